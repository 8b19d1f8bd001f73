// Package spss decodes SPSS data files: the binary system format (.sav) and
// the ASCII portable format (.por).
//
// Only the subset the ingestion pipeline needs is implemented: the variable
// dictionary (names, widths, value labels) and the case data. Numeric cells
// decode to float64, strings to space-trimmed text, and system-missing values
// to nil. Unsupported dictionary extensions are skipped, not rejected; survey
// archives are full of files written by ancient tooling.
package spss

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"ingest/internal/frame"
)

// sysmisLo is the canonical system-missing value (-DBL_MAX). Some writers are
// sloppy about the exact bit pattern, so comparison allows anything at or
// below it.
var sysmisLo = -math.MaxFloat64

const savHeaderSize = 176

type savVariable struct {
	name     string
	width    int // 0 numeric, >0 string byte width
	segments int // 8-byte elements occupied in a case
}

// ReadSAV decodes a .sav file from disk into a Frame.
func ReadSAV(path string) (*frame.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sav: %w", err)
	}
	defer f.Close()
	return ReadSAVFrom(bufio.NewReader(f))
}

// ReadSAVFrom decodes a .sav stream.
func ReadSAVFrom(r io.Reader) (*frame.Frame, error) {
	var hdr [savHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read sav header: %w", err)
	}
	if string(hdr[0:4]) != "$FL2" {
		return nil, fmt.Errorf("not an SPSS system file (magic %q)", string(hdr[0:4]))
	}

	// layout_code doubles as the endianness probe: it is always 2 or 3 when
	// read with the writer's byte order.
	order := binary.ByteOrder(binary.LittleEndian)
	layout := order.Uint32(hdr[64:68])
	if layout != 2 && layout != 3 {
		order = binary.BigEndian
		layout = order.Uint32(hdr[64:68])
		if layout != 2 && layout != 3 {
			return nil, fmt.Errorf("unrecognized sav layout code")
		}
	}

	caseSize := int(int32(order.Uint32(hdr[68:72])))
	compression := int(int32(order.Uint32(hdr[72:76])))
	ncases := int(int32(order.Uint32(hdr[80:84])))
	bias := math.Float64frombits(order.Uint64(hdr[84:92]))
	if bias == 0 {
		bias = 100
	}

	if compression == 2 {
		return nil, fmt.Errorf("zlib-compressed sav (zsav payload) is not supported")
	}
	if caseSize <= 0 {
		return nil, fmt.Errorf("sav header reports no variables")
	}

	vars, longNames, err := readSAVDictionary(r, order)
	if err != nil {
		return nil, err
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("sav dictionary contains no variables")
	}
	for i := range vars {
		if long, ok := longNames[vars[i].name]; ok {
			vars[i].name = long
		}
	}

	columns := make([]string, len(vars))
	for i, v := range vars {
		columns[i] = v.name
	}
	out := frame.New(columns)

	dec := &savCaseReader{r: r, order: order, compressed: compression == 1, bias: bias}
	for caseNo := 0; ncases < 0 || caseNo < ncases; caseNo++ {
		row, err := dec.readCase(vars)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read sav case %d: %w", caseNo+1, err)
		}
		out.AppendRow(row)
	}
	return out, nil
}

// readSAVDictionary consumes dictionary records up to and including the
// type-999 terminator.
func readSAVDictionary(r io.Reader, order binary.ByteOrder) ([]savVariable, map[string]string, error) {
	var vars []savVariable
	longNames := map[string]string{}

	readInt := func() (int32, error) {
		var v int32
		err := binary.Read(r, order, &v)
		return v, err
	}

	for {
		recType, err := readInt()
		if err != nil {
			return nil, nil, fmt.Errorf("read sav dictionary: %w", err)
		}

		switch recType {
		case 2: // variable record
			var fixed struct {
				Type      int32
				HasLabel  int32
				NMissing  int32
				PrintFmt  int32
				WriteFmt  int32
				ShortName [8]byte
			}
			if err := binary.Read(r, order, &fixed); err != nil {
				return nil, nil, fmt.Errorf("read sav variable record: %w", err)
			}
			if fixed.HasLabel != 0 {
				n, err := readInt()
				if err != nil {
					return nil, nil, err
				}
				pad := (int(n) + 3) / 4 * 4
				if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
					return nil, nil, err
				}
			}
			if fixed.NMissing != 0 {
				n := int(fixed.NMissing)
				if n < 0 {
					n = -n
				}
				if _, err := io.CopyN(io.Discard, r, int64(8*n)); err != nil {
					return nil, nil, err
				}
			}
			if fixed.Type == -1 {
				// Continuation element of a long string: counted into the
				// owning variable's segments.
				if len(vars) > 0 {
					vars[len(vars)-1].segments++
				}
				continue
			}
			name := strings.TrimRight(string(fixed.ShortName[:]), " \x00")
			vars = append(vars, savVariable{name: name, width: int(fixed.Type), segments: 1})

		case 3: // value label record: values + labels, padded to 8 bytes
			count, err := readInt()
			if err != nil {
				return nil, nil, err
			}
			for i := 0; i < int(count); i++ {
				var value [8]byte
				if _, err := io.ReadFull(r, value[:]); err != nil {
					return nil, nil, err
				}
				var lblLen [1]byte
				if _, err := io.ReadFull(r, lblLen[:]); err != nil {
					return nil, nil, err
				}
				padded := (int(lblLen[0]) + 1 + 7) / 8 * 8
				if _, err := io.CopyN(io.Discard, r, int64(padded-1)); err != nil {
					return nil, nil, err
				}
			}

		case 4: // value label variable index record
			count, err := readInt()
			if err != nil {
				return nil, nil, err
			}
			if _, err := io.CopyN(io.Discard, r, int64(4*count)); err != nil {
				return nil, nil, err
			}

		case 6: // document record
			count, err := readInt()
			if err != nil {
				return nil, nil, err
			}
			if _, err := io.CopyN(io.Discard, r, int64(80*count)); err != nil {
				return nil, nil, err
			}

		case 7: // extension record
			subtype, err := readInt()
			if err != nil {
				return nil, nil, err
			}
			size, err := readInt()
			if err != nil {
				return nil, nil, err
			}
			count, err := readInt()
			if err != nil {
				return nil, nil, err
			}
			total := int64(size) * int64(count)
			if subtype == 13 {
				// Long variable names: tab-separated SHORT=Long pairs.
				buf := make([]byte, total)
				if _, err := io.ReadFull(r, buf); err != nil {
					return nil, nil, err
				}
				for _, pair := range strings.Split(string(buf), "\t") {
					if eq := strings.IndexByte(pair, '='); eq > 0 {
						longNames[strings.TrimSpace(pair[:eq])] = strings.TrimSpace(pair[eq+1:])
					}
				}
				continue
			}
			if _, err := io.CopyN(io.Discard, r, total); err != nil {
				return nil, nil, err
			}

		case 999: // dictionary terminator: one filler int follows
			if _, err := readInt(); err != nil {
				return nil, nil, err
			}
			return vars, longNames, nil

		default:
			return nil, nil, fmt.Errorf("unsupported sav dictionary record type %d", recType)
		}
	}
}

// savCaseReader decodes case data, transparently expanding the bytecode
// compression (compression kind 1).
type savCaseReader struct {
	r          io.Reader
	order      binary.ByteOrder
	compressed bool
	bias       float64

	cmds []byte // pending command bytes for compressed streams
	eof  bool
}

// element returns the next raw 8-byte element.
//
// The second return distinguishes the compressed "numeric value folded into
// the command byte" case: when it is non-nil, the element is that number and
// the byte slice is not meaningful.
func (d *savCaseReader) element() ([8]byte, *float64, error) {
	var buf [8]byte

	if !d.compressed {
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return buf, nil, err
		}
		return buf, nil, nil
	}

	for {
		if d.eof {
			return buf, nil, io.EOF
		}
		if len(d.cmds) == 0 {
			var block [8]byte
			if _, err := io.ReadFull(d.r, block[:]); err != nil {
				if err == io.ErrUnexpectedEOF {
					err = io.EOF
				}
				return buf, nil, err
			}
			d.cmds = append(d.cmds[:0], block[:]...)
		}

		cmd := d.cmds[0]
		d.cmds = d.cmds[1:]

		switch {
		case cmd == 0:
			continue // padding
		case cmd == 252:
			d.eof = true
			return buf, nil, io.EOF
		case cmd == 253:
			if _, err := io.ReadFull(d.r, buf[:]); err != nil {
				if err == io.ErrUnexpectedEOF {
					err = io.EOF
				}
				return buf, nil, err
			}
			return buf, nil, nil
		case cmd == 254:
			copy(buf[:], "        ")
			return buf, nil, nil
		case cmd == 255:
			v := sysmisLo
			return buf, &v, nil
		default:
			v := float64(cmd) - d.bias
			return buf, &v, nil
		}
	}
}

func (d *savCaseReader) readCase(vars []savVariable) ([]any, error) {
	row := make([]any, len(vars))
	for i, v := range vars {
		if v.width == 0 {
			raw, folded, err := d.element()
			if err != nil {
				if err == io.EOF && i == 0 {
					return nil, io.EOF
				}
				return nil, err
			}
			var val float64
			if folded != nil {
				val = *folded
			} else {
				val = math.Float64frombits(d.order.Uint64(raw[:]))
			}
			if val <= sysmisLo || math.IsNaN(val) {
				row[i] = nil
			} else {
				row[i] = val
			}
			continue
		}

		var sb strings.Builder
		for seg := 0; seg < v.segments; seg++ {
			raw, folded, err := d.element()
			if err != nil {
				if err == io.EOF && i == 0 && seg == 0 {
					return nil, io.EOF
				}
				return nil, err
			}
			if folded != nil {
				// A folded numeric inside a string is writer garbage; keep
				// the cell but render nothing for this segment.
				continue
			}
			sb.Write(raw[:])
		}
		s := strings.TrimRight(sb.String(), " \x00")
		if s == "" {
			row[i] = nil
		} else {
			row[i] = s
		}
	}
	return row, nil
}

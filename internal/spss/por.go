package spss

import (
	"fmt"
	"math"
	"os"
	"strings"

	"ingest/internal/frame"
)

// porSignature follows the 200-byte splash header and the 256-byte character
// translation table.
const porSignature = "SPSSPORT"

// porVariable mirrors savVariable for the portable dialect.
type porVariable struct {
	name  string
	width int // 0 numeric, >0 string width
}

// ReadPOR decodes an SPSS portable (.por) file from disk into a Frame.
//
// The portable format is an ASCII stream chopped into 80-column lines. This
// reader supports ASCII-encoded files (by far the common case for archived
// survey data); the translation table is validated only loosely via the
// SPSSPORT signature, which is itself written through the table.
func ReadPOR(path string) (*frame.Frame, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open por: %w", err)
	}
	return readPORBytes(raw)
}

func readPORBytes(raw []byte) (*frame.Frame, error) {
	stream := joinPorLines(raw)
	if len(stream) < 200+256+len(porSignature) {
		return nil, fmt.Errorf("por file too short")
	}
	p := &porParser{data: stream, pos: 200 + 256}

	if sig := string(p.data[p.pos : p.pos+len(porSignature)]); sig != porSignature {
		return nil, fmt.Errorf("not an SPSS portable file (signature %q)", sig)
	}
	p.pos += len(porSignature)

	// Version letter plus date and time strings.
	if _, err := p.byteTag(); err != nil {
		return nil, err
	}
	if _, err := p.str(); err != nil {
		return nil, fmt.Errorf("por date: %w", err)
	}
	if _, err := p.str(); err != nil {
		return nil, fmt.Errorf("por time: %w", err)
	}

	var vars []porVariable

	for {
		tag, err := p.byteTag()
		if err != nil {
			return nil, fmt.Errorf("por record tag: %w", err)
		}

		switch tag {
		case '1', '2', '3': // product / author / sub-product
			if _, err := p.str(); err != nil {
				return nil, err
			}
		case '4': // variable count
			if _, _, err := p.num(); err != nil {
				return nil, err
			}
		case '5': // precision
			if _, _, err := p.num(); err != nil {
				return nil, err
			}
		case '6': // case weight variable
			if _, err := p.str(); err != nil {
				return nil, err
			}
		case '7': // variable record
			width, miss, err := p.num()
			if err != nil || miss {
				return nil, fmt.Errorf("por variable width: %v", err)
			}
			name, err := p.str()
			if err != nil {
				return nil, err
			}
			for i := 0; i < 6; i++ { // print + write formats, three ints each
				if _, _, err := p.num(); err != nil {
					return nil, err
				}
			}
			vars = append(vars, porVariable{name: name, width: int(width)})
		case '8': // discrete missing value for the preceding variable
			if err := p.skipValue(lastWidth(vars)); err != nil {
				return nil, err
			}
		case '9', 'A': // LO THRU x / x THRU HI
			if _, _, err := p.num(); err != nil {
				return nil, err
			}
		case 'B': // x THRU y
			if _, _, err := p.num(); err != nil {
				return nil, err
			}
			if _, _, err := p.num(); err != nil {
				return nil, err
			}
		case 'C': // variable label
			if _, err := p.str(); err != nil {
				return nil, err
			}
		case 'D':
			if err := p.skipValueLabels(vars); err != nil {
				return nil, err
			}
		case 'E': // documents
			n, _, err := p.num()
			if err != nil {
				return nil, err
			}
			for i := 0; i < int(n); i++ {
				if _, err := p.str(); err != nil {
					return nil, err
				}
			}
		case 'F':
			return p.readData(vars)
		case 'Z':
			return nil, fmt.Errorf("por file ends before any data record")
		default:
			return nil, fmt.Errorf("unsupported por record tag %q", string(tag))
		}
	}
}

// joinPorLines flattens the 80-column line structure into one stream. Short
// lines are right-padded to 80 columns, matching how writers emit them.
func joinPorLines(raw []byte) string {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	var b strings.Builder
	for i, line := range lines {
		if i == len(lines)-1 && line == "" {
			break
		}
		b.WriteString(line)
		for pad := len(line); pad < 80; pad++ {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

type porParser struct {
	data string
	pos  int
}

func (p *porParser) byteTag() (byte, error) {
	if p.pos >= len(p.data) {
		return 0, fmt.Errorf("unexpected end of stream")
	}
	c := p.data[p.pos]
	p.pos++
	return c, nil
}

// num reads a base-30 number terminated by '/'. The second return flags the
// "*." system-missing marker.
func (p *porParser) num() (float64, bool, error) {
	// Skip inter-field spaces (line padding shows up as spaces mid-stream).
	for p.pos < len(p.data) && p.data[p.pos] == ' ' {
		p.pos++
	}
	if p.pos >= len(p.data) {
		return 0, false, fmt.Errorf("unexpected end of stream in number")
	}

	if p.data[p.pos] == '*' {
		p.pos++
		if p.pos < len(p.data) && p.data[p.pos] == '.' {
			p.pos++
		}
		return 0, true, nil
	}

	neg := false
	if p.data[p.pos] == '-' {
		neg = true
		p.pos++
	}

	intPart := 0.0
	fracPart := 0.0
	fracScale := 1.0
	inFrac := false
	sawDigit := false

	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if c == '/' {
			p.pos++
			if !sawDigit {
				return 0, false, fmt.Errorf("empty por number")
			}
			v := intPart + fracPart
			if neg {
				v = -v
			}
			return v, false, nil
		}
		if c == '.' {
			inFrac = true
			p.pos++
			continue
		}
		d, ok := base30Digit(c)
		if !ok {
			return 0, false, fmt.Errorf("invalid por digit %q", string(c))
		}
		sawDigit = true
		if inFrac {
			fracScale /= 30
			fracPart += float64(d) * fracScale
		} else {
			intPart = intPart*30 + float64(d)
		}
		p.pos++
	}
	return 0, false, fmt.Errorf("unterminated por number")
}

func base30Digit(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'A' && c <= 'T':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}

// str reads a length-prefixed string.
func (p *porParser) str() (string, error) {
	n, miss, err := p.num()
	if err != nil {
		return "", err
	}
	if miss {
		return "", fmt.Errorf("missing marker where string length expected")
	}
	length := int(n)
	if length < 0 || p.pos+length > len(p.data) {
		return "", fmt.Errorf("por string length %d out of range", length)
	}
	s := p.data[p.pos : p.pos+length]
	p.pos += length
	return s, nil
}

func lastWidth(vars []porVariable) int {
	if len(vars) == 0 {
		return 0
	}
	return vars[len(vars)-1].width
}

func (p *porParser) skipValue(width int) error {
	if width == 0 {
		_, _, err := p.num()
		return err
	}
	_, err := p.str()
	return err
}

func (p *porParser) skipValueLabels(vars []porVariable) error {
	widthByName := make(map[string]int, len(vars))
	for _, v := range vars {
		widthByName[v.name] = v.width
	}

	nvars, _, err := p.num()
	if err != nil {
		return err
	}
	width := 0
	for i := 0; i < int(nvars); i++ {
		name, err := p.str()
		if err != nil {
			return err
		}
		if w, ok := widthByName[name]; ok {
			width = w
		}
	}
	nlabels, _, err := p.num()
	if err != nil {
		return err
	}
	for i := 0; i < int(nlabels); i++ {
		if err := p.skipValue(width); err != nil {
			return err
		}
		if _, err := p.str(); err != nil {
			return err
		}
	}
	return nil
}

// readData consumes the 'F' record: cases in variable order until the 'Z'
// padding or the end of the stream.
func (p *porParser) readData(vars []porVariable) (*frame.Frame, error) {
	if len(vars) == 0 {
		return nil, fmt.Errorf("por data record without variable records")
	}

	columns := make([]string, len(vars))
	for i, v := range vars {
		columns[i] = v.name
	}
	out := frame.New(columns)

	for {
		// Peek past padding for the terminator.
		for p.pos < len(p.data) && p.data[p.pos] == ' ' {
			p.pos++
		}
		if p.pos >= len(p.data) || p.data[p.pos] == 'Z' {
			return out, nil
		}

		row := make([]any, len(vars))
		for i, v := range vars {
			if v.width == 0 {
				n, miss, err := p.num()
				if err != nil {
					return nil, fmt.Errorf("por case %d: %w", out.NumRows()+1, err)
				}
				if miss || math.IsNaN(n) {
					row[i] = nil
				} else {
					row[i] = n
				}
				continue
			}
			s, err := p.str()
			if err != nil {
				return nil, fmt.Errorf("por case %d: %w", out.NumRows()+1, err)
			}
			s = strings.TrimRight(s, " ")
			if s == "" {
				row[i] = nil
			} else {
				row[i] = s
			}
		}
		out.AppendRow(row)
	}
}

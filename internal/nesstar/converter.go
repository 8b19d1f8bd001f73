package nesstar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Converter turns one .nesstar package into open-format files under outDir.
// Every line of converter output is reported through onLine as it appears.
type Converter interface {
	Convert(ctx context.Context, packagePath, outDir string, onLine func(string)) error
}

// ErrTimeout marks a conversion killed for exceeding its deadline.
var ErrTimeout = errors.New("conversion timed out")

// ExeConverter runs the vendor converter binary, optionally through a wrapper
// script that drives the export dialog.
type ExeConverter struct {
	ExePath    string
	ScriptPath string
	Timeout    time.Duration
}

func (c *ExeConverter) Convert(ctx context.Context, packagePath, outDir string, onLine func(string)) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if c.ScriptPath != "" {
		cmd = exec.CommandContext(ctx, c.ScriptPath, c.ExePath, packagePath, outDir)
	} else {
		cmd = exec.CommandContext(ctx, c.ExePath, packagePath, outDir)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start converter: %w", err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if onLine != nil {
			onLine(sc.Text())
		}
	}

	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	if err != nil {
		return err
	}
	return nil
}

// Package transcode converts raw engine audio into the gateway's output
// format by offloading each call to a dedicated worker that drives an
// external encoding tool.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

var (
	// ErrMalformedInput is returned when the raw buffer is not a WAV
	// container. The tool is never started for such input.
	ErrMalformedInput = errors.New("malformed audio input")
	// ErrWorkerAbnormal is returned when a worker dies without reporting
	// what went wrong.
	ErrWorkerAbnormal = errors.New("transcode worker exited abnormally")
)

// ToolError carries the diagnostic output of a failed tool run.
type ToolError struct {
	ExitCode int
	Message  string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("transcoder exited with status %d: %s", e.ExitCode, e.Message)
}

// Tool is the resolved external encoder invocation.
type Tool struct {
	Path string
	Args []string
}

// ValidateWAV checks the RIFF/WAVE container header and the format chunk of
// raw.
func ValidateWAV(raw []byte) error {
	if len(raw) < 12 {
		return fmt.Errorf("%w: %d bytes is shorter than a RIFF header", ErrMalformedInput, len(raw))
	}
	if !bytes.Equal(raw[0:4], []byte("RIFF")) {
		return fmt.Errorf("%w: missing RIFF chunk id", ErrMalformedInput)
	}
	if !bytes.Equal(raw[8:12], []byte("WAVE")) {
		return fmt.Errorf("%w: RIFF form type is %q, want WAVE", ErrMalformedInput, raw[8:12])
	}
	dec := wav.NewDecoder(bytes.NewReader(raw))
	if !dec.IsValidFile() {
		return fmt.Errorf("%w: invalid WAVE format chunk", ErrMalformedInput)
	}
	return nil
}

// runTool validates raw and pipes it through the tool, returning the encoded
// stdout.
func runTool(ctx context.Context, tool Tool, raw []byte) ([]byte, error) {
	if err := ValidateWAV(raw); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, tool.Path, tool.Args...)
	cmd.Stdin = bytes.NewReader(raw)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("transcode interrupted: %w", ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return nil, fmt.Errorf("%w: status %d", ErrWorkerAbnormal, exitErr.ExitCode())
			}
			return nil, &ToolError{ExitCode: exitErr.ExitCode(), Message: msg}
		}
		return nil, fmt.Errorf("start transcoder %s: %w", tool.Path, err)
	}
	if stdout.Len() == 0 {
		return nil, &ToolError{Message: "transcoder produced no output"}
	}
	return stdout.Bytes(), nil
}

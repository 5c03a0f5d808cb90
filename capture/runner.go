package capture

import (
	"context"
	"os/exec"
	"sync"
)

// outputTail bounds how much tool output is kept for error reports.
const outputTail = 16 << 10

// Runner runs an external tool and returns the tail of its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	buf := &tailBuffer{max: outputTail}
	cmd.Stdout = buf
	cmd.Stderr = buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// ProbeRunner is like ExecRunner but keeps stdout whole, for tools that print JSON.
type ProbeRunner struct{}

// Run implements Runner.
func (ProbeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func runnerOrExec(r Runner) Runner {
	if r == nil {
		return ProbeRunner{}
	}
	return r
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

// tail returns the last few hundred bytes of out as a string for error messages.
func tail(out []byte) string {
	const n = 512
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return string(out)
}

package installer

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner runs the external tools (npm, git) an installation needs.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args []string) ([]byte, error)
}

// ExecRunner runs commands with os/exec and returns their combined output.
type ExecRunner struct {
	// Env is appended to the parent environment.
	Env []string
}

func (r ExecRunner) Run(ctx context.Context, dir, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.WaitDelay = 5 * time.Second
	return cmd.CombinedOutput()
}

// outputLines splits command output into trimmed non-empty lines, keeping
// at most the last max.
func outputLines(out []byte, max int) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return lines
}

package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spokenlab/amtrain/errors"
)

// Runner executes one toolkit invocation and returns its combined output.
// LocalRunner runs the binary in-process; ClusterRunner submits it to a
// cluster scheduler and polls for completion. Which one a Toolkit carries is
// decided once from the run-locally setting.
type Runner interface {
	Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error)
}

// LocalRunner executes toolkit binaries directly.
type LocalRunner struct{}

// Run implements Runner
func (LocalRunner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, errors.Wrapf(err, "%s failed: %s", name, tail(out))
	}
	return out, nil
}

// ClusterRunner submits each invocation through a site-specific submit
// wrapper and blocks until the job's done marker appears. The wrapper is
// called as: submit <logfile> <donefile> <command> [args...]; it must queue
// the command, arrange for its combined output to land in <logfile>, and
// touch <donefile> on exit.
type ClusterRunner struct {
	SubmitCommand string
	PollInterval  time.Duration

	seq uint64
}

// Run implements Runner
func (c *ClusterRunner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	n := atomic.AddUint64(&c.seq, 1)
	logFile := filepath.Join(workDir, fmt.Sprintf("job-%d.log", n))
	doneFile := filepath.Join(workDir, fmt.Sprintf("job-%d.done", n))

	submitArgs := append([]string{logFile, doneFile, name}, args...)
	cmd := exec.CommandContext(ctx, c.SubmitCommand, submitArgs...)
	cmd.Dir = workDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return out, errors.Wrapf(err, "submitting %s: %s", name, tail(out))
	}

	interval := c.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for %s", name)
		case <-ticker.C:
			if _, err := os.Stat(doneFile); err == nil {
				out, err := os.ReadFile(logFile)
				if err != nil {
					return nil, errors.Wrapf(err, "reading job log for %s", name)
				}
				return out, nil
			}
		}
	}
}

// tail keeps error messages readable when a toolkit binary dumps pages of
// output before failing.
func tail(out []byte) string {
	const max = 512
	if len(out) <= max {
		return string(out)
	}
	return "..." + string(out[len(out)-max:])
}

package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
)

const tailCapacity = 200

// CLIRunner spawns the configured agent command with the prompt on stdin.
// Prompt metadata travels in APC_* environment variables so the agent can
// echo them back through `apc agent complete`.
type CLIRunner struct {
	Command []string // argv; defaults to ["claude", "-p"]
	Env     []string // extra environment entries
}

func init() {
	Register(TypeCLI, func() Runner { return &CLIRunner{} })
}

// Type implements Runner.
func (r *CLIRunner) Type() Type { return TypeCLI }

// Spawn implements Runner.
func (r *CLIRunner) Spawn(ctx context.Context, p Prompt) (Process, error) {
	argv := r.Command
	if len(argv) == 0 {
		argv = []string{"claude", "-p"}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // G204: command comes from operator config
	cmd.Dir = p.WorkDir
	cmd.Stdin = strings.NewReader(p.Text)
	cmd.Env = append(os.Environ(),
		"APC_SESSION_ID="+p.SessionID,
		"APC_WORKFLOW_ID="+p.WorkflowID,
		"APC_STAGE="+p.Stage,
		"APC_TASK_ID="+p.TaskID,
		"APC_AGENT="+p.AgentName,
	)
	cmd.Env = append(cmd.Env, r.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	proc := &cliProcess{
		cmd:  cmd,
		tail: NewOutputBuffer(tailCapacity),
		done: make(chan struct{}),
	}

	if p.TranscriptPath != "" {
		f, err := os.OpenFile(p.TranscriptPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path comes from the session layout
		if err != nil {
			return nil, fmt.Errorf("open transcript: %w", err)
		}
		proc.transcript = f
	}

	if err := cmd.Start(); err != nil {
		if proc.transcript != nil {
			_ = proc.transcript.Close()
		}
		return nil, fmt.Errorf("start agent %s: %w", p.AgentName, err)
	}

	log.Debug(log.CatWF, "agent spawned",
		"agent", p.AgentName, "workflow", p.WorkflowID, "stage", p.Stage, "pid", cmd.Process.Pid)

	log.SafeGo("runner.drain:"+p.WorkflowID, func() { proc.drain(stdout) })
	log.SafeGo("runner.wait:"+p.WorkflowID, func() {
		proc.waitErr = cmd.Wait()
		if proc.transcript != nil {
			_ = proc.transcript.Close()
		}
		close(proc.done)
	})

	return proc, nil
}

type cliProcess struct {
	cmd        *exec.Cmd
	tail       *OutputBuffer
	transcript *os.File
	done       chan struct{}
	waitErr    error
	killOnce   sync.Once
}

func (p *cliProcess) drain(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.tail.Write(line)
		if p.transcript != nil {
			_, _ = p.transcript.WriteString(line + "\n")
		}
	}
}

// Wait blocks until exit or ctx cancellation; cancellation kills the process.
func (p *cliProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.waitErr
	case <-ctx.Done():
		_ = p.Kill()
		<-p.done
		return ctx.Err()
	}
}

// Kill terminates the process. Idempotent.
func (p *cliProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
			if err != nil && errors.Is(err, os.ErrProcessDone) {
				err = nil
			}
		}
	})
	return err
}

// Tail returns the most recent output lines.
func (p *cliProcess) Tail(n int) []string {
	return p.tail.LastN(n)
}

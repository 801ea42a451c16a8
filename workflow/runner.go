package workflow

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/pavelpapin/conductor/types"
)

// ExecRunnerConfig tunes the external agent process runner.
type ExecRunnerConfig struct {
	// Command is the agent binary invoked per job.
	Command string `json:"command" yaml:"command"`

	// Args are fixed arguments placed before the job prompt.
	Args []string `json:"args" yaml:"args"`

	// WorkDir is the working directory for the agent process; a
	// "work_dir" job param overrides it per job.
	WorkDir string `json:"work_dir" yaml:"work_dir"`
}

// ExecRunner invokes the external agent as a subprocess. The job's
// "prompt" param becomes the final argument, stdout lines become
// output_chunk events, stderr lines become error events, and user
// input signals are forwarded to the agent's stdin.
type ExecRunner struct {
	config ExecRunnerConfig
	logger *zap.Logger
}

// NewExecRunner creates a subprocess-backed runner.
func NewExecRunner(cfg ExecRunnerConfig, logger *zap.Logger) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{
		config: cfg,
		logger: logger.With(zap.String("component", "exec_runner")),
	}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, job Job, signals <-chan types.Signal, emit EmitFunc) error {
	args := append([]string{}, r.config.Args...)
	if prompt, ok := job.Params["prompt"].(string); ok && prompt != "" {
		args = append(args, prompt)
	}

	cmd := exec.CommandContext(ctx, r.config.Command, args...)
	if wd, ok := job.Params["work_dir"].(string); ok && wd != "" {
		cmd.Dir = wd
	} else {
		cmd.Dir = r.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting agent process: %w", err)
	}

	r.logger.Debug("agent process started",
		zap.String("workflow_id", job.ID),
		zap.String("command", r.config.Command),
		zap.Int("pid", cmd.Process.Pid))

	// Forward user input signals to the agent's stdin, echoing them
	// into the output log so observers see the full exchange.
	go func() {
		defer func() { _ = stdin.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Name != types.SignalUserInput {
					continue
				}
				line := signalInput(sig)
				if line == "" {
					continue
				}
				emit(types.OutputEvent{Type: types.EventInputEcho, Content: line})
				if _, err := fmt.Fprintln(stdin, line); err != nil {
					r.logger.Warn("writing to agent stdin failed", zap.Error(err))
					return
				}
			}
		}
	}()

	errDone := make(chan struct{})
	go func() {
		defer close(errDone)
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			emit(types.OutputEvent{Type: types.EventError, Content: sc.Text()})
		}
	}()

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "INPUT_REQUEST:") {
			emit(types.OutputEvent{
				Type:    types.EventInputRequest,
				Content: strings.TrimSpace(strings.TrimPrefix(line, "INPUT_REQUEST:")),
			})
			continue
		}
		emit(types.OutputEvent{Type: types.EventOutputChunk, Content: line})
	}
	<-errDone

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("agent process: %w", err)
	}
	return nil
}

// signalInput extracts the input line carried by a user_input signal.
func signalInput(sig types.Signal) string {
	if v, ok := sig.Data["input"]; ok {
		switch s := v.(type) {
		case string:
			return s
		default:
			data, err := json.Marshal(v)
			if err == nil {
				return string(data)
			}
		}
	}
	return ""
}

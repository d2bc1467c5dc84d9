package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"selfplay/cluster"
	"selfplay/config"
	"selfplay/role"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Handle is a launched role process.
type Handle interface {
	Spec() cluster.Spec
	// Stop asks the process to stop at its next episode boundary.
	Stop()
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err is the exit cause, valid after Done is closed.
	Err() error
}

type Launcher interface {
	Launch(ctx context.Context, cfg config.Config, spec cluster.Spec) (Handle, error)
}

// InProcessLauncher runs every role on its own goroutine.
type InProcessLauncher struct{}

type inProcessHandle struct {
	proc *role.Process
	err  error
	done chan struct{}
}

func (InProcessLauncher) Launch(ctx context.Context, cfg config.Config, spec cluster.Spec) (Handle, error) {
	proc, err := role.New(cfg, spec)
	if err != nil {
		return nil, err
	}
	h := &inProcessHandle{proc: proc, done: make(chan struct{})}
	go func() {
		h.err = proc.Run(ctx)
		close(h.done)
	}()
	return h, nil
}

func (h *inProcessHandle) Spec() cluster.Spec    { return h.proc.Spec() }
func (h *inProcessHandle) Stop()                 { h.proc.Stop() }
func (h *inProcessHandle) Done() <-chan struct{} { return h.done }
func (h *inProcessHandle) Err() error            { return h.err }

const subprocessWaitDelay = 30 * time.Second

// SubprocessLauncher re-executes Binary as `role` subcommands. The effective
// config is written once to a file the children read.
type SubprocessLauncher struct {
	Binary string
	Dir    string
	Output io.Writer

	once       sync.Once
	configPath string
	configErr  error
}

type subprocessHandle struct {
	spec cluster.Spec
	cmd  *exec.Cmd
	tail *tailWriter
	err  error
	done chan struct{}
}

func (l *SubprocessLauncher) writeConfig(cfg config.Config) (string, error) {
	l.once.Do(func() {
		dir := l.Dir
		if dir == "" {
			dir, l.configErr = os.MkdirTemp("", "selfplay-")
			if l.configErr != nil {
				return
			}
		}
		l.configPath = filepath.Join(dir, "effective.yaml")
		l.configErr = config.Write(l.configPath, cfg)
	})
	return l.configPath, l.configErr
}

func (l *SubprocessLauncher) Launch(ctx context.Context, cfg config.Config, spec cluster.Spec) (Handle, error) {
	path, err := l.writeConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("write effective config: %w", err)
	}
	binary := l.Binary
	if binary == "" {
		if binary, err = os.Executable(); err != nil {
			return nil, err
		}
	}
	out := l.Output
	if out == nil {
		out = os.Stderr
	}

	cmd := exec.CommandContext(ctx, binary, "role",
		"--config", path,
		"--role", string(spec.Role),
		"--index", strconv.Itoa(spec.Index),
	)
	tail := &tailWriter{}
	cmd.Stdout = out
	cmd.Stderr = io.MultiWriter(out, tail)
	// Cancellation interrupts so the child can still flush its checkpoint.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = subprocessWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec, err)
	}
	log.Debug().Str("process", spec.String()).Int("pid", cmd.Process.Pid).Msg("Started subprocess")

	h := &subprocessHandle{spec: spec, cmd: cmd, tail: tail, done: make(chan struct{})}
	go func() {
		h.err = exitError(cmd.Wait(), tail.Last())
		close(h.done)
	}()
	return h, nil
}

func (h *subprocessHandle) Spec() cluster.Spec    { return h.spec }
func (h *subprocessHandle) Done() <-chan struct{} { return h.done }
func (h *subprocessHandle) Err() error            { return h.err }

// Stop uses the status server and falls back to an interrupt.
func (h *subprocessHandle) Stop() {
	select {
	case <-h.done:
		return
	default:
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post("http://"+h.spec.Address+role.StopPath, "application/json", nil)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusAccepted {
			return
		}
	}
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		log.Warn().Err(err).Str("process", h.spec.String()).Msg("Failed to interrupt subprocess")
	}
}

const maxTailLine = 4096

// tailWriter remembers the last non-empty line written to it.
type tailWriter struct {
	mu      sync.Mutex
	partial []byte
	last    string
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.partial[:i]); len(line) > 0 {
			w.last = string(line)
		}
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > maxTailLine {
		w.partial = w.partial[len(w.partial)-maxTailLine:]
	}
	return len(p), nil
}

func (w *tailWriter) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if line := bytes.TrimSpace(w.partial); len(line) > 0 {
		return string(line)
	}
	return w.last
}

// exitError adds the child's last output line to a failed exit. JSON log
// lines contribute their error field, or their message without one.
func exitError(err error, last string) error {
	if err == nil || last == "" {
		return err
	}
	var entry struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(last), &entry) == nil {
		switch {
		case entry.Error != "":
			last = entry.Error
		case entry.Message != "":
			last = entry.Message
		}
	}
	return fmt.Errorf("%w: %s", err, last)
}

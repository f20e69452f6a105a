// Package sandbox provides per-session execution directories for the shell
// and python capabilities. A Sandbox is an exclusively owned resource: it is
// created with the agent session and released when the session terminates.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/shlex"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/pkg/config"
	"github.com/gliderlab/aiosgate/pkg/logging"
)

// ErrReleased is returned by operations on a released sandbox.
var ErrReleased = errors.New("sandbox released")

// Result is the outcome of one command.
type Result struct {
	Output    string
	ExitCode  int
	Truncated bool
	Duration  time.Duration
}

// Manager creates sandboxes under a common root and tracks the live ones.
type Manager struct {
	cfg config.SandboxConfig
	log *zap.Logger

	mu     sync.Mutex
	active map[string]*Sandbox
}

// NewManager returns a manager for cfg. Zero limits take package defaults.
func NewManager(cfg config.SandboxConfig, log *zap.Logger) *Manager {
	if cfg.RootDir == "" {
		cfg.RootDir = config.DefaultSandboxRoot()
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 60 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64 * 1024
	}
	return &Manager{
		cfg:    cfg,
		log:    logging.OrNop(log).Named("sandbox"),
		active: make(map[string]*Sandbox),
	}
}

// Create makes a fresh working directory owned by owner.
func (m *Manager) Create(owner string) (*Sandbox, error) {
	id := uuid.NewString()[:8]
	dir := filepath.Join(m.cfg.RootDir, sanitize(owner)+"-"+id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sandbox{
		id:     id,
		owner:  owner,
		dir:    dir,
		mgr:    m,
		ctx:    ctx,
		cancel: cancel,
	}
	m.mu.Lock()
	m.active[id] = s
	m.mu.Unlock()
	m.log.Debug("sandbox created", zap.String("id", id), zap.String("owner", owner), zap.String("dir", dir))
	return s, nil
}

// Active returns the number of unreleased sandboxes.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ReleaseAll releases every live sandbox. Used on shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*Sandbox, 0, len(m.active))
	for _, s := range m.active {
		live = append(live, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range live {
		errs = append(errs, s.Release(ctx))
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Sandbox is one session's working directory plus the commands running in it.
type Sandbox struct {
	id    string
	owner string
	dir   string
	mgr   *Manager

	// ctx is cancelled on release and kills any running command.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	released bool
	running  sync.WaitGroup
}

// Name identifies the sandbox in logs and termination reports.
func (s *Sandbox) Name() string { return "sandbox:" + s.id }

// Dir is the working directory commands run in.
func (s *Sandbox) Dir() string { return s.dir }

func (s *Sandbox) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	s.running.Add(1)
	return nil
}

// Exec runs command (shell-quoted, no shell interpretation) in the sandbox
// directory with the configured timeout and output cap.
func (s *Sandbox) Exec(ctx context.Context, command string) (Result, error) {
	parts, err := shlex.Split(command)
	if err != nil {
		return Result{}, fmt.Errorf("parse command: %w", err)
	}
	if len(parts) == 0 {
		return Result{}, errors.New("command is required")
	}
	return s.run(ctx, parts[0], parts[1:]...)
}

// RunFile writes source to name and executes it with interpreter.
func (s *Sandbox) RunFile(ctx context.Context, interpreter, name string, source []byte) (Result, error) {
	path, err := s.WriteFile(name, source)
	if err != nil {
		return Result{}, err
	}
	return s.run(ctx, interpreter, path)
}

func (s *Sandbox) run(ctx context.Context, name string, args ...string) (Result, error) {
	if err := s.acquire(); err != nil {
		return Result{}, err
	}
	defer s.running.Done()

	ctx, cancel := context.WithTimeout(ctx, s.mgr.cfg.ExecTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = s.dir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + s.dir,
		"TMPDIR=" + s.dir,
		"LANG=C.UTF-8",
	}

	out := &cappedBuffer{max: s.mgr.cfg.MaxOutputBytes}
	start := time.Now()
	var runErr error
	if s.mgr.cfg.UsePty {
		runErr = runPty(cmd, out)
	} else {
		cmd.Stdout = out
		cmd.Stderr = out
		runErr = cmd.Run()
	}

	res := Result{
		Output:    out.String(),
		Truncated: out.truncated,
		Duration:  time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() != nil {
		if s.ctx.Err() != nil {
			return res, ErrReleased
		}
		return res, fmt.Errorf("command timed out after %s", s.mgr.cfg.ExecTimeout)
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return res, fmt.Errorf("run %s: %w", name, runErr)
	}
	return res, nil
}

func runPty(cmd *exec.Cmd, out io.Writer) error {
	f, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("pty start: %w", err)
	}
	defer f.Close()
	// Reading the pty returns EIO once the child exits.
	_, _ = io.Copy(out, f)
	return cmd.Wait()
}

// WriteFile stores data under name inside the sandbox and returns its path.
func (s *Sandbox) WriteFile(name string, data []byte) (string, error) {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return "", ErrReleased
	}
	clean := filepath.Clean("/" + name)
	path := filepath.Join(s.dir, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Release kills running commands and removes the directory. It is safe to
// call more than once.
func (s *Sandbox) Release(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.mu.Unlock()

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("release %s: %w", s.Name(), ctx.Err())
	}

	s.mgr.forget(s.id)
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove %s: %w", s.dir, err)
	}
	s.mgr.log.Debug("sandbox released", zap.String("id", s.id), zap.String("owner", s.owner))
	return nil
}

type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if len(s) > 32 {
		s = s[:32]
	}
	if s == "" {
		s = "anon"
	}
	return s
}

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcp-funnel/core/internal/correlator"
)

// Stdio spawns a child process and frames newline-delimited JSON-RPC
// over its stdin/stdout, generalized from downstream/instance.go's
// single-request-at-a-time processLoop into a continuous reader that
// dispatches every inbound line to a correlator.Correlator, so many
// requests can be in flight over the one subprocess concurrently.
type Stdio struct {
	command string
	args    []string
	env     map[string]string
	idle    time.Duration

	corr   *correlator.Correlator
	nextID atomic.Int64

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	idleTimer *time.Timer
	closed    bool

	onNotify NotificationHandler
	onClose  CloseHandler
	done     chan struct{}
}

// NewStdio creates a Stdio transport. env is merged over the process
// environment with MergeEnv (env values win on conflicts) before
// spawning; no auth-provider values are injected.
func NewStdio(command string, args []string, env map[string]string, idleTimeout time.Duration) *Stdio {
	return &Stdio{
		command: command,
		args:    args,
		env:     env,
		idle:    idleTimeout,
		corr:    correlator.New(time.Second),
		done:    make(chan struct{}),
	}
}

func (s *Stdio) SetNotificationHandler(h NotificationHandler) { s.onNotify = h }
func (s *Stdio) SetCloseHandler(h CloseHandler)               { s.onClose = h }

func (s *Stdio) Start(ctx context.Context) error {
	childCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(childCtx, s.command, s.args...)
	cmd.Env = MergeEnv(os.Environ(), nil, s.env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start process: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.mu.Unlock()

	if err := s.handshake(childCtx); err != nil {
		cmd.Process.Kill()
		cancel()
		return fmt.Errorf("initialize: %w", err)
	}

	go s.readLoop(stdout)
	go func() {
		err := cmd.Wait()
		cancel()
		s.finish(err)
	}()
	return nil
}

func (s *Stdio) handshake(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.Call(initCtx, "initialize", json.RawMessage(`{
		"protocolVersion": "2024-11-05",
		"capabilities": {},
		"clientInfo": {"name": "mcp-funnel", "version": "0.1.0"}
	}`))
	if err != nil {
		return err
	}
	return s.Notify(ctx, "notifications/initialized", nil)
}

func (s *Stdio) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	idJSON := json.RawMessage(strconv.FormatInt(id, 10))

	ch, err := s.corr.Register(string(idJSON), 0)
	if err != nil {
		return nil, ErrClosed
	}

	req := rpcRequest{JSONRPC: "2.0", ID: idJSON, Method: method, Params: params}
	if err := s.writeLine(req); err != nil {
		s.corr.Reject(string(idJSON), err)
		return nil, err
	}

	s.resetIdleTimer()
	return correlator.Wait(ctx, ch)
}

func (s *Stdio) Notify(ctx context.Context, method string, params json.RawMessage) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	return s.writeLine(req)
}

func (s *Stdio) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.stdin == nil {
		return ErrClosed
	}
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to child stdin: %w", err)
	}
	return nil
}

func (s *Stdio) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		var msg rpcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			slog.Warn("transport/stdio: malformed line from child", "err", err)
			continue
		}

		if len(msg.ID) > 0 && msg.Method == "" {
			if msg.Error != nil {
				s.corr.Reject(string(msg.ID), msg.Error.asError())
			} else {
				s.corr.Resolve(string(msg.ID), msg.Result)
			}
			continue
		}

		if s.onNotify != nil && msg.Method != "" {
			s.onNotify(msg.Method, msg.Params)
		}
	}
}

// resetIdleTimer arms the idle-shutdown timer: a stdio subprocess that
// sees no request for IdleTimeout
// is stopped to free its resources. The stop is reported through the
// close handler like any other child exit, so the owning connection's
// reconnect loop respawns it after its backoff delay.
func (s *Stdio) resetIdleTimer() {
	if s.idle <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.idle, func() {
		slog.Info("transport/stdio: idle timeout, stopping child process")
		s.Close()
	})
}

func (s *Stdio) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.corr.Close()
	if s.onClose != nil {
		s.onClose(err)
	}
	close(s.done)
}

func (s *Stdio) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// MergeEnv merges environment variables with priority authEnv > serverEnv
// > osEnv, later maps overriding earlier ones for the same key and each
// value resolving ${VAR} references against the merge-so-far.
func MergeEnv(osEnv []string, serverEnv, authEnv map[string]string) []string {
	merged := make(map[string]string, len(osEnv))
	for _, e := range osEnv {
		if k, v, ok := strings.Cut(e, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range serverEnv {
		merged[k] = expandEnvVars(v, merged)
	}
	for k, v := range authEnv {
		merged[k] = expandEnvVars(v, merged)
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func expandEnvVars(val string, env map[string]string) string {
	return os.Expand(val, func(key string) string {
		if v, ok := env[key]; ok {
			return v
		}
		return ""
	})
}

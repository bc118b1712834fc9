// Package daemon implements the §4.F Daemon Supervisor and §4.G Daemon
// Runner: starting a background kernel execution, streaming its protocol
// frames to an event sink, and tearing everything down exactly once
// regardless of how the run ends.
//
// The goroutine-plus-channel-done shape and the mutex-guarded registry are
// grounded on runtime/agent/engine/inmem.Engine's StartWorkflow/handle
// pattern; the wire-frame correlation and finally-style cleanup are grounded
// on original_source's daemon_executor.py (_run_daemon / stop_daemon /
// cleanup_user_daemons), translated into Go's context-cancellation idiom in
// place of asyncio.Task.cancel().
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	codeerrors "github.com/codemode/daemon/errors"
	"github.com/codemode/daemon/ids"
	"github.com/codemode/daemon/kernel"
	"github.com/codemode/daemon/telemetry"
)

// MaxDaemonsPerUser caps the number of concurrently running daemons one user
// may own (spec §4.F invariant).
const MaxDaemonsPerUser = 3

// DefaultMaxRuntime bounds a single run's total wall-clock time absent an
// explicit override.
const DefaultMaxRuntime = time.Hour

// frameTimeout is the soft per-frame read timeout: with no frame in this
// window the runner loops back to recheck the deadline instead of blocking
// forever on Read.
const frameTimeout = 30 * time.Second

// Status is a daemon's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
	StatusCompleted Status = "completed"
)

// Info is a snapshot of one daemon's bookkeeping fields, safe to read
// without holding the Supervisor's lock (the value, not a pointer, is
// handed out by ListDaemons).
type Info struct {
	DaemonID          string
	KernelID          string
	UserID            string
	ChatID            string
	MessageID         string
	CodeModeSessionID string
	StartedAt         time.Time
	Status            Status
}

// EventSink receives daemon:output and daemon:status events as a run
// progresses. Implementations must not block the runner for long; Emit is
// called synchronously from the frame-processing loop.
type EventSink interface {
	EmitOutput(ctx context.Context, daemonID string, info Info, stream, content string)
	EmitStatus(ctx context.Context, daemonID string, info Info, status Status, reason string)
}

// SessionUnregisterer removes a code-mode session when its owning daemon
// exits, breaking the reference cycle between a daemon and the session it
// was started from. Satisfied by *session.Registry's Unregister method.
type SessionUnregisterer interface {
	Unregister(sessionID string)
}

// StartRequest carries everything needed to launch one daemon run.
type StartRequest struct {
	BaseURL           string
	Code              string
	Token             *string
	Password          *string
	UserID            string
	ChatID            string
	MessageID         string
	CodeModeSessionID string
	MaxRuntime        time.Duration
}

type daemonEntry struct {
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor tracks active daemons and enforces the per-user quota. The zero
// value is not usable; use New.
type Supervisor struct {
	kernelClient *kernel.Client
	sessions     SessionUnregisterer
	sink         EventSink
	logger       telemetry.Logger

	mu      sync.Mutex
	daemons map[string]*daemonEntry
}

// New constructs a Supervisor. sessions and sink may be nil to disable their
// respective side effects (useful for tests exercising only the wire
// protocol loop).
func New(kernelClient *kernel.Client, sessions SessionUnregisterer, sink EventSink, logger telemetry.Logger) *Supervisor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &Supervisor{
		kernelClient: kernelClient,
		sessions:     sessions,
		sink:         sink,
		logger:       logger,
		daemons:      make(map[string]*daemonEntry),
	}
}

// userRunningCount returns how many of user's daemons are currently running.
// Callers must hold s.mu.
func (s *Supervisor) userRunningCount(userID string) int {
	n := 0
	for _, e := range s.daemons {
		if e.info.UserID == userID && e.info.Status == StatusRunning {
			n++
		}
	}
	return n
}

// StartDaemon launches a background kernel execution, returning its daemon
// id immediately: the run itself proceeds on a separate goroutine. Returns
// QuotaExceeded if userID already has MaxDaemonsPerUser daemons running.
func (s *Supervisor) StartDaemon(ctx context.Context, req StartRequest) (string, error) {
	s.mu.Lock()
	if s.userRunningCount(req.UserID) >= MaxDaemonsPerUser {
		s.mu.Unlock()
		return "", codeerrors.Errorf(codeerrors.KindQuota,
			"maximum concurrent background scripts (%d) reached; stop an existing one before starting another", MaxDaemonsPerUser)
	}
	s.mu.Unlock()

	maxRuntime := req.MaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = DefaultMaxRuntime
	}

	handle, params, kernelID, err := s.kernelClient.CreateKernel(ctx, req.BaseURL, req.Token, req.Password)
	if err != nil {
		return "", err
	}
	wsURL, wsHeader, err := handle.BuildWSURL(kernelID, params)
	if err != nil {
		handle.DeleteKernel(ctx, s.logger, kernelID, params)
		return "", err
	}
	wsHeaders := make(map[string]string, len(wsHeader))
	for k := range wsHeader {
		wsHeaders[k] = wsHeader.Get(k)
	}

	daemonID := ids.NewDaemonID()
	runCtx, cancel := context.WithCancel(context.Background())

	entry := &daemonEntry{
		info: Info{
			DaemonID:          daemonID,
			KernelID:          kernelID,
			UserID:            req.UserID,
			ChatID:            req.ChatID,
			MessageID:         req.MessageID,
			CodeModeSessionID: req.CodeModeSessionID,
			StartedAt:         timeNow(),
			Status:            StatusRunning,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.daemons[daemonID] = entry
	s.mu.Unlock()

	s.logger.Info(ctx, "daemon started", "daemon_id", daemonID, "user_id", req.UserID, "chat_id", req.ChatID, "kernel_id", kernelID)

	go s.run(runCtx, daemonID, entry, handle, kernelID, params, wsURL, wsHeaders, req.Code, maxRuntime)

	return daemonID, nil
}

// timeNow is a seam so tests can stub the clock; production always uses the
// real wall clock.
var timeNow = time.Now

// wsConn is the subset of a WebSocket connection the runner uses;
// dialWebSocket is its factory.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	SetReadDeadline(time.Time) error
	Close() error
}

var dialWebSocket = func(url string, headers map[string]string) (wsConn, error) {
	h := toHTTPHeader(headers)
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// run is the §4.G Daemon Runner body: connect, send execute_request, stream
// frames until completion/error/deadline/cancellation, then unconditionally
// clean up. It never returns an error — every outcome is reported through
// setStatus/the event sink, matching the "finally" contract in spec §4.G.
func (s *Supervisor) run(ctx context.Context, daemonID string, entry *daemonEntry, handle *kernel.Handle, kernelID string, params map[string]string, wsURL string, wsHeaders map[string]string, code string, maxRuntime time.Duration) {
	defer s.cleanup(daemonID, entry, handle, kernelID, params)

	conn, err := dialWebSocket(wsURL, wsHeaders)
	if err != nil {
		s.setStatus(ctx, daemonID, entry, StatusError, fmt.Sprintf("failed to connect to kernel: %s", err.Error()))
		return
	}
	defer conn.Close()

	// Closing the socket on cancellation unblocks a pending ReadMessage, so a
	// stop takes effect without waiting out the current read deadline.
	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-runDone:
		}
	}()

	msgID := ids.NewMsgID()
	if err := sendExecuteRequest(conn, msgID, code); err != nil {
		s.setStatus(ctx, daemonID, entry, StatusError, fmt.Sprintf("failed to send execute request: %s", err.Error()))
		return
	}

	s.setStatus(ctx, daemonID, entry, StatusRunning, "")

	deadline := timeNow().Add(maxRuntime)
	for {
		select {
		case <-ctx.Done():
			s.setStatus(ctx, daemonID, entry, StatusStopped, "Stopped by user")
			return
		default:
		}

		remaining := deadline.Sub(timeNow())
		if remaining <= 0 {
			s.sink.EmitOutput(ctx, daemonID, entry.info, "stderr",
				fmt.Sprintf("\nBackground script exceeded max runtime (%s). Stopping.", maxRuntime))
			s.setStatus(ctx, daemonID, entry, StatusCompleted, "max runtime exceeded")
			return
		}

		readTimeout := frameTimeout
		if remaining < readTimeout {
			readTimeout = remaining
		}
		_ = conn.SetReadDeadline(timeNow().Add(readTimeout))

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-ctx.Done():
				s.setStatus(ctx, daemonID, entry, StatusStopped, "Stopped by user")
			default:
				s.setStatus(ctx, daemonID, entry, StatusError, err.Error())
			}
			return
		}

		frame, err := parseFrame(raw)
		if err != nil {
			s.logger.Warn(ctx, "daemon dropped unparseable frame", "daemon_id", daemonID, "error", err.Error())
			continue
		}
		if frame.ParentHeader.MsgID != msgID {
			continue
		}

		done, err := s.dispatchFrame(ctx, daemonID, entry, frame)
		if err != nil {
			s.setStatus(ctx, daemonID, entry, StatusError, "Script raised an error")
			return
		}
		if done {
			s.setStatus(ctx, daemonID, entry, StatusCompleted, "Script finished")
			return
		}
	}
}

// dispatchFrame processes one kernel protocol frame already known to belong
// to the run's execute_request (msg_id matched). Returns done=true when the
// kernel reports idle status (natural completion), and a non-nil error when
// the frame is a kernel-reported error.
func (s *Supervisor) dispatchFrame(ctx context.Context, daemonID string, entry *daemonEntry, frame kernelFrame) (done bool, err error) {
	switch frame.MsgType {
	case "stream":
		name := frame.Content.Name
		if name == "" {
			name = "stdout"
		}
		if frame.Content.Text != "" {
			s.sink.EmitOutput(ctx, daemonID, entry.info, name, frame.Content.Text)
		}
	case "execute_result", "display_data":
		if text, ok := frame.Content.Data["text/plain"]; ok {
			if plain, ok := text.(string); ok {
				s.sink.EmitOutput(ctx, daemonID, entry.info, "stdout", plain)
			}
		}
	case "error":
		traceback := joinLines(frame.Content.Traceback)
		s.sink.EmitOutput(ctx, daemonID, entry.info, "stderr", traceback)
		return false, codeerrors.New(codeerrors.KindUpstream, "kernel reported an error")
	case "status":
		if frame.Content.ExecutionState == "idle" {
			return true, nil
		}
	}
	return false, nil
}

// StopDaemon cancels a running daemon and waits for its cleanup to finish,
// returning true. An id that is not in the registry (unknown, or already
// cleaned up) is a no-op returning false, so repeated stops of the same
// daemon return false after the first.
func (s *Supervisor) StopDaemon(ctx context.Context, daemonID string) bool {
	s.mu.Lock()
	entry, ok := s.daemons[daemonID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel()
	select {
	case <-entry.done:
	case <-ctx.Done():
	}
	return true
}

// ListDaemons returns a snapshot of active daemons, optionally filtered by
// userID and/or chatID (empty string means "no filter" for that field).
func (s *Supervisor) ListDaemons(userID, chatID string) []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Info
	for _, e := range s.daemons {
		if userID != "" && e.info.UserID != userID {
			continue
		}
		if chatID != "" && e.info.ChatID != chatID {
			continue
		}
		out = append(out, e.info)
	}
	return out
}

// CleanupUserDaemons stops every running daemon owned by userID, returning
// the count stopped.
func (s *Supervisor) CleanupUserDaemons(ctx context.Context, userID string) int {
	s.mu.Lock()
	var ids []string
	for id, e := range s.daemons {
		if e.info.UserID == userID && e.info.Status == StatusRunning {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.StopDaemon(ctx, id)
	}
	return len(ids)
}

func (s *Supervisor) setStatus(ctx context.Context, daemonID string, entry *daemonEntry, status Status, reason string) {
	s.mu.Lock()
	entry.info.Status = status
	s.mu.Unlock()
	s.sink.EmitStatus(ctx, daemonID, entry.info, status, reason)
}

// cleanup runs exactly once per daemon run regardless of exit path: delete
// the kernel, close the registry entry's bookkeeping, and unregister its
// code-mode session, then finally drop it from the daemon map.
func (s *Supervisor) cleanup(daemonID string, entry *daemonEntry, handle *kernel.Handle, kernelID string, params map[string]string) {
	ctx := context.Background()
	handle.DeleteKernel(ctx, s.logger, kernelID, params)
	handle.Close()

	if s.sessions != nil && entry.info.CodeModeSessionID != "" {
		s.sessions.Unregister(entry.info.CodeModeSessionID)
	}

	s.mu.Lock()
	delete(s.daemons, daemonID)
	s.mu.Unlock()

	close(entry.done)
	s.logger.Info(ctx, "daemon cleaned up", "daemon_id", daemonID)
}

type noopSink struct{}

func (noopSink) EmitOutput(context.Context, string, Info, string, string) {}
func (noopSink) EmitStatus(context.Context, string, Info, Status, string) {}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func toHTTPHeader(headers map[string]string) map[string][]string {
	if len(headers) == 0 {
		return nil
	}
	h := make(map[string][]string, len(headers))
	for k, v := range headers {
		h[k] = []string{v}
	}
	return h
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}

// kernelFrame is the subset of a Jupyter protocol frame the runner
// correlates and dispatches on.
type kernelFrame struct {
	MsgType      string `json:"msg_type"`
	ParentHeader struct {
		MsgID string `json:"msg_id"`
	} `json:"parent_header"`
	Content struct {
		Name           string         `json:"name"`
		Text           string         `json:"text"`
		Data           map[string]any `json:"data"`
		Traceback      []string       `json:"traceback"`
		ExecutionState string         `json:"execution_state"`
	} `json:"content"`
}

func parseFrame(raw []byte) (kernelFrame, error) {
	var f kernelFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return kernelFrame{}, err
	}
	return f, nil
}

func sendExecuteRequest(conn wsConn, msgID, code string) error {
	frame := map[string]any{
		"header": map[string]any{
			"msg_id":   msgID,
			"msg_type": "execute_request",
			"username": "user",
			"session":  ids.NewMsgID(),
			"date":     "",
			"version":  "5.3",
		},
		"parent_header": map[string]any{},
		"metadata":      map[string]any{},
		"content": map[string]any{
			"code":             code,
			"silent":           false,
			"store_history":    true,
			"user_expressions": map[string]any{},
			"allow_stdin":      false,
			"stop_on_error":    true,
		},
		"channel": "shell",
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, body)
}

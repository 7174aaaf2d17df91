// Package wsengine implements a long-lived alternative to the HTTP
// engine's POST handler. Unlike the HTTP engine, each connection here
// runs as one goroutine in a single event-loop process, with heartbeats
// to keep intermediaries from idling the socket out and line-delimited
// JSON messages instead of a chunked binary body.
package wsengine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/weathergw/internal/extractor"
	"github.com/kenchrcum/weathergw/internal/metrics"
	"github.com/kenchrcum/weathergw/internal/model"
	"github.com/kenchrcum/weathergw/internal/reqscript"
)

// HeartbeatInterval is how often Serve sends a heartbeat message to keep
// the connection alive.
const HeartbeatInterval = 20 * time.Second

var requestIDPattern = regexp.MustCompile(`^[a-f0-9-]{36}$`)

// Upgrader is shared across connections; CheckOrigin is left permissive
// because this transport has no browser-facing same-origin concerns — it
// is worker-to-cluster-client traffic, and authentication/authorization
// is out of scope here.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is one line of client -> server JSON.
type clientMessage struct {
	Cmd       string            `json:"cmd"`
	Requests  []model.Request   `json:"requests"`
	Environ   map[string]string `json:"environ"`
	Target    string            `json:"target"`
	RequestID string            `json:"request_id"`
	UserID    string            `json:"user_id"`
	Namespace string            `json:"namespace"`
	Host      string            `json:"host"`
	Username  string            `json:"username"`
}

// serverMessage is one line of server -> client JSON.
type serverMessage struct {
	Type   string `json:"type"`
	Line   string `json:"line,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Engine serves the worker WebSocket surface.
type Engine struct {
	Driver  *extractor.Driver
	Log     *logrus.Logger
	Metrics *metrics.Metrics
}

// wsConn serializes writes to one connection. gorilla/websocket permits at
// most one concurrent writer, and three goroutines send here: the
// heartbeat ticker, the log streamer, and the read loop's state replies.
// Reads stay on the bare *websocket.Conn; only the read loop reads.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// NewEngine constructs an Engine.
func NewEngine(drv *extractor.Driver, log *logrus.Logger, m *metrics.Metrics) *Engine {
	return &Engine{Driver: drv, Log: log, Metrics: m}
}

// connState is the per-connection mutable state a "kill" command acts on.
type connState struct {
	inv        *extractor.Invocation
	scriptPath string
	targetPath string
	requestID  string
}

// Serve drives one upgraded connection until the client disconnects or the
// extractor run (if any) finishes and the connection is closed. It never
// returns an error to the caller; all failures are reported in-band as
// "state":"error" messages, matching the reclassification policy used
// elsewhere in this gateway.
func (e *Engine) Serve(conn *websocket.Conn) {
	defer conn.Close()

	wc := &wsConn{conn: conn}

	done := make(chan struct{})
	defer close(done)
	go e.heartbeatLoop(wc, done)

	var state connState

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if state.inv != nil {
				_ = state.inv.Kill()
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			e.sendState(wc, "error", fmt.Sprintf("malformed message: %v", err))
			continue
		}

		switch msg.Cmd {
		case "start":
			e.handleStart(wc, &msg, &state)
		case "kill":
			e.handleKill(wc, &state)
			return
		default:
			e.sendState(wc, "error", fmt.Sprintf("unknown cmd %q", msg.Cmd))
		}
	}
}

func (e *Engine) heartbeatLoop(wc *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := wc.writeJSON(serverMessage{Type: "heartbeat"}); err != nil {
				return
			}
		}
	}
}

func (e *Engine) handleStart(wc *wsConn, msg *clientMessage, state *connState) {
	if msg.RequestID == "" || msg.UserID == "" || msg.Namespace == "" || msg.Host == "" || msg.Username == "" {
		e.sendState(wc, "error", "start requires request_id, user_id, namespace, host, username")
		return
	}
	if msg.Target == "" {
		e.sendState(wc, "error", "start requires target")
		return
	}

	requestID := msg.RequestID
	if !requestIDPattern.MatchString(requestID) {
		requestID = uuid.NewString()
	}

	workDir := filepath.Dir(msg.Target)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		e.sendState(wc, "error", fmt.Sprintf("create working directory: %v", err))
		return
	}

	scriptPath := filepath.Join(workDir, requestID+".mars")
	script := reqscript.Encode(msg.Requests, msg.Target)
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		e.sendState(wc, "error", fmt.Sprintf("write request script: %v", err))
		return
	}

	environ := msg.Environ
	if environ == nil {
		environ = map[string]string{}
	}
	environ["request_id"] = requestID
	environ["user_id"] = msg.UserID
	environ["namespace"] = msg.Namespace
	environ["host"] = msg.Host
	environ["username"] = msg.Username

	inv, err := e.Driver.StartFile(msg.Requests, environ, requestID, msg.Target)
	if err != nil {
		_ = os.Remove(scriptPath)
		e.sendState(wc, "error", fmt.Sprintf("start extractor: %v", err))
		return
	}

	state.inv = inv
	state.scriptPath = scriptPath
	state.targetPath = msg.Target
	state.requestID = requestID

	e.sendState(wc, "started", "")

	go e.streamLog(wc, e.Driver.LogPath(requestID), inv)
}

// streamLog tails the extractor's log file, forwarding each completed line
// as a "log" message, and reports the terminal state once the process
// exits.
func (e *Engine) streamLog(wc *wsConn, logPath string, inv *extractor.Invocation) {
	start := time.Now()
	classCh := make(chan extractor.Classification, 1)
	go func() { classCh <- inv.Wait() }()

	offset := int64(0)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var class *extractor.Classification
	for {
		select {
		case c := <-classCh:
			class = &c
		case <-ticker.C:
		}

		offset = e.drainLog(wc, logPath, offset)

		if class != nil {
			e.drainLog(wc, logPath, offset)
			status := "finished"
			if class.Kind != extractor.ExitSuccess {
				status = "error"
			}
			if e.Metrics != nil {
				errKind := ""
				if class.Kind == extractor.ExitSignaled {
					errKind = "signal"
				} else if class.Kind == extractor.ExitNonZero {
					errKind = "exit"
				}
				e.Metrics.RecordExtraction("ws", time.Since(start), errKind)
			}
			e.sendState(wc, status, class.Message())
			_ = wc.conn.Close()
			return
		}
	}
}

// drainLog reads any bytes appended to logPath since offset and emits each
// newline-terminated line as a "log" message, returning the new offset.
func (e *Engine) drainLog(wc *wsConn, logPath string, offset int64) int64 {
	f, err := os.Open(logPath)
	if err != nil {
		return offset
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= offset {
		return offset
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return offset
	}

	buf := make([]byte, info.Size()-offset)
	n, _ := f.Read(buf)
	buf = buf[:n]

	lineStart := 0
	for i, b := range buf {
		if b == '\n' {
			line := string(buf[lineStart:i])
			_ = wc.writeJSON(serverMessage{Type: "log", Line: line})
			lineStart = i + 1
		}
	}
	return offset + int64(lineStart)
}

func (e *Engine) handleKill(wc *wsConn, state *connState) {
	if state.inv != nil {
		_ = state.inv.Kill()
	}
	if state.scriptPath != "" {
		_ = os.Remove(state.scriptPath)
	}
	if state.targetPath != "" {
		_ = os.Remove(state.targetPath)
	}
	e.sendState(wc, "killed", "")
}

func (e *Engine) sendState(wc *wsConn, status, detail string) {
	_ = wc.writeJSON(serverMessage{Type: "state", Status: status, Detail: detail})
}

// ServeHTTP upgrades the connection and hands it to Serve, so the engine
// can be mounted directly as a mux route (e.g. "/ws") alongside the HTTP
// engine's routes.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		if e.Log != nil {
			e.Log.WithError(err).Warn("wsengine: upgrade failed")
		}
		return
	}
	e.Serve(conn)
}

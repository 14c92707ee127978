package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/orbit/internal/events"
	"github.com/haasonsaas/orbit/pkg/models"
)

const (
	wsReadLimit      = 1 << 20
	wsPongWait       = 45 * time.Second
	wsPingInterval   = 15 * time.Second
	wsWriteWait      = 10 * time.Second
	wsHandshakeWait  = 30 * time.Second
	wsSendBufferSize = 64

	// DefaultSweepInterval is how often idle connections are checked.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultIdleTimeout is how long a connection may sit idle before
	// the sweep closes it.
	DefaultIdleTimeout = time.Hour
)

// SessionFactory builds the ChatSession for a new or resumed session id.
// The factory owns state loading and controller wiring.
type SessionFactory func(sessionID, workspaceDir string) (*ChatSession, error)

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	// AuthToken is the bearer token every connection must present.
	// Empty disables authentication (local use).
	AuthToken string

	// WorkspaceRoot holds one workspace directory per session.
	WorkspaceRoot string

	SweepInterval time.Duration
	IdleTimeout   time.Duration
}

// Manager owns the WebSocket ↔ ChatSession mapping: authentication,
// frame routing, durable records, and state save on disconnect.
type Manager struct {
	config   ManagerConfig
	store    *Store
	factory  SessionFactory
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	byDevice map[string]map[*wsConn]struct{}
	conns    map[*wsConn]struct{}
	closed   bool

	sweepStop chan struct{}
	sweepOnce sync.Once
	closeOnce sync.Once
}

type sessionEntry struct {
	session *ChatSession
	conns   map[*wsConn]struct{}
}

type wsConn struct {
	conn     *websocket.Conn
	send     chan []byte
	session  *ChatSession
	deviceID string

	lastActive atomic.Int64
	pusherSub  events.Subscription
	dbSub      events.Subscription

	closeOnce sync.Once
	done      chan struct{}
}

// NewManager creates a manager. store and factory are required.
func NewManager(config ManagerConfig, store *Store, factory SessionFactory, logger *slog.Logger) *Manager {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  config,
		store:   store,
		factory: factory,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions:  make(map[string]*sessionEntry),
		byDevice:  make(map[string]map[*wsConn]struct{}),
		conns:     make(map[*wsConn]struct{}),
		sweepStop: make(chan struct{}),
	}
}

// StartSweep launches the background idle sweep.
func (m *Manager) StartSweep() {
	m.sweepOnce.Do(func() {
		go m.sweepLoop()
	})
}

// Close shuts every connection and session down.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.sweepStop)

		m.mu.Lock()
		m.closed = true
		conns := make([]*wsConn, 0, len(m.conns))
		for c := range m.conns {
			conns = append(conns, c)
		}
		m.mu.Unlock()

		for _, c := range conns {
			c.close()
		}
	})
}

// ServeHTTP upgrades the connection and runs its lifecycle.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !m.authenticate(r) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}

	c := &wsConn{
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
		done: make(chan struct{}),
	}
	c.lastActive.Store(time.Now().UnixNano())

	if err := m.handshake(c); err != nil {
		m.logger.Warn("handshake failed", "error", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}

	go c.writeLoop()
	m.readLoop(c)
	m.disconnect(c)
}

// authenticate checks the bearer token in the query or header.
func (m *Manager) authenticate(r *http.Request) bool {
	if m.config.AuthToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	return token == m.config.AuthToken
}

// handshake reads the init_agent frame, attaches the session, and replies
// with CONNECTION_ESTABLISHED.
func (m *Manager) handshake(c *wsConn) error {
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsHandshakeWait))

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	frame, err := decodeFrame(raw)
	if err != nil {
		return err
	}
	if frame.Type != frameInitAgent {
		return fmt.Errorf("first frame must be %s, got %s", frameInitAgent, frame.Type)
	}

	var content initAgentContent
	if len(frame.Content) > 0 {
		if err := jsonUnmarshal(frame.Content, &content); err != nil {
			return err
		}
	}
	sessionID := content.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c.deviceID = content.DeviceID

	session, err := m.attach(c, sessionID)
	if err != nil {
		return err
	}
	c.session = session

	// Push events to this socket; a full send buffer drops for this
	// connection only.
	c.pusherSub = session.Stream().Subscribe(func(ctx context.Context, e models.Event) {
		data, err := encodeEvent(e)
		if err != nil {
			return
		}
		select {
		case c.send <- data:
		case <-c.done:
		default:
			m.logger.Warn("socket send buffer full, event dropped",
				"session_id", session.ID, "event_type", e.Type)
		}
	})
	// Append every event to the durable timeline.
	c.dbSub = session.Stream().Subscribe(func(ctx context.Context, e models.Event) {
		if err := m.store.AppendEvent(ctx, e); err != nil {
			m.logger.Error("event append failed", "session_id", session.ID, "error", err)
		}
	})

	return session.Stream().Publish(models.NewEvent(models.EventConnectionEstablished, map[string]any{
		"session_id":    session.ID,
		"workspace_dir": session.WorkspaceDir,
	}))
}

// attach resolves or creates the ChatSession and registers the
// connection in the membership maps.
func (m *Manager) attach(c *wsConn, sessionID string) (*ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("manager is shut down")
	}

	entry, ok := m.sessions[sessionID]
	if !ok {
		workspaceDir := filepath.Join(m.config.WorkspaceRoot, sessionID)
		if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		session, err := m.factory(sessionID, workspaceDir)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		entry = &sessionEntry{session: session, conns: make(map[*wsConn]struct{})}
		m.sessions[sessionID] = entry
	}
	entry.conns[c] = struct{}{}
	m.conns[c] = struct{}{}
	if c.deviceID != "" {
		if m.byDevice[c.deviceID] == nil {
			m.byDevice[c.deviceID] = make(map[*wsConn]struct{})
		}
		m.byDevice[c.deviceID][c] = struct{}{}
	}

	if err := m.store.Upsert(context.Background(), models.SessionRecord{
		ID:           sessionID,
		WorkspaceDir: entry.session.WorkspaceDir,
		DeviceID:     c.deviceID,
		Status:       models.SessionActive,
	}); err != nil {
		m.logger.Error("session upsert failed", "session_id", sessionID, "error", err)
	}
	return entry.session, nil
}

// readLoop dispatches inbound frames until the socket drops.
func (m *Manager) readLoop(c *wsConn) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.lastActive.Store(time.Now().UnixNano())

		frame, err := decodeFrame(raw)
		if err != nil {
			m.pushError(c, err)
			continue
		}
		m.dispatch(c, frame)
	}
}

func (m *Manager) dispatch(c *wsConn, frame *inboundFrame) {
	cs := c.session
	switch frame.Type {
	case frameInitAgent:
		m.pushError(c, errors.New("handshake already completed"))

	case frameUserMessage:
		var content userMessageContent
		if err := jsonUnmarshal(frame.Content, &content); err != nil {
			m.pushError(c, err)
			return
		}
		cs.HandleUserMessage(context.Background(), content.Text, content.Attachments)

	case frameCancel:
		cs.Cancel()

	case frameToolConfirm:
		var content toolConfirmContent
		if err := jsonUnmarshal(frame.Content, &content); err != nil {
			m.pushError(c, err)
			return
		}
		if !cs.ResolveConfirmation(content.ToolCallID, content.Approved, content.Alternative) {
			m.pushError(c, fmt.Errorf("no pending confirmation for %s", content.ToolCallID))
		}

	case frameClear:
		if err := cs.Clear(); err != nil {
			m.pushError(c, err)
		}

	case frameCompact:
		go func() {
			if _, err := cs.Compact(context.Background()); err != nil {
				m.pushError(c, err)
			}
		}()
	}
}

// disconnect saves state, detaches subscribers, drains, and removes the
// mapping. The last connection tears the session down.
func (m *Manager) disconnect(c *wsConn) {
	c.close()
	if c.session == nil {
		return
	}

	if err := c.session.Save(); err != nil {
		m.logger.Error("save on disconnect failed", "session_id", c.session.ID, "error", err)
	}
	c.session.Stream().Unsubscribe(c.pusherSub)
	c.session.Stream().Unsubscribe(c.dbSub)
	if err := c.session.Stream().Drain(2 * time.Second); err != nil {
		m.logger.Warn("stream drain on disconnect", "session_id", c.session.ID, "error", err)
	}

	m.mu.Lock()
	delete(m.conns, c)
	if set, ok := m.byDevice[c.deviceID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(m.byDevice, c.deviceID)
		}
	}
	var last bool
	if entry, ok := m.sessions[c.session.ID]; ok {
		delete(entry.conns, c)
		if len(entry.conns) == 0 {
			delete(m.sessions, c.session.ID)
			last = true
		}
	}
	m.mu.Unlock()

	if err := m.store.Touch(context.Background(), c.session.ID, c.session.LastActive()); err != nil {
		m.logger.Warn("touch on disconnect failed", "session_id", c.session.ID, "error", err)
	}
	if last {
		c.session.Close()
	}
}

// BroadcastToSession queues an event to every socket attached to the
// session.
func (m *Manager) BroadcastToSession(sessionID string, e models.Event) {
	m.mu.Lock()
	var targets []*wsConn
	if entry, ok := m.sessions[sessionID]; ok {
		for c := range entry.conns {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()
	m.broadcast(targets, e)
}

// BroadcastToDevice queues an event to every socket of one device.
func (m *Manager) BroadcastToDevice(deviceID string, e models.Event) {
	m.mu.Lock()
	var targets []*wsConn
	for c := range m.byDevice[deviceID] {
		targets = append(targets, c)
	}
	m.mu.Unlock()
	m.broadcast(targets, e)
}

// BroadcastAll queues an event to every connected socket.
func (m *Manager) BroadcastAll(e models.Event) {
	m.mu.Lock()
	targets := make([]*wsConn, 0, len(m.conns))
	for c := range m.conns {
		targets = append(targets, c)
	}
	m.mu.Unlock()
	m.broadcast(targets, e)
}

func (m *Manager) broadcast(targets []*wsConn, e models.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := encodeEvent(e)
	if err != nil {
		return
	}
	for _, c := range targets {
		select {
		case c.send <- data:
		case <-c.done:
		default:
		}
	}
}

// SessionCount reports how many sessions are attached.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) pushError(c *wsConn, err error) {
	data, encErr := encodeEvent(models.ErrorEvent(err))
	if encErr != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

// sweepIdle closes connections idle for longer than the timeout. The
// read loop notices and runs the normal disconnect path.
func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.config.IdleTimeout).UnixNano()

	m.mu.Lock()
	var idle []*wsConn
	for c := range m.conns {
		if c.lastActive.Load() < cutoff {
			idle = append(idle, c)
		}
	}
	m.mu.Unlock()

	for _, c := range idle {
		m.logger.Info("closing idle connection",
			"session_id", c.session.ID,
			"idle", time.Since(time.Unix(0, c.lastActive.Load())).Round(time.Second),
		)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		c.close()
	}
}

// writeLoop flushes queued frames and keeps the connection alive with
// pings.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func jsonUnmarshal(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

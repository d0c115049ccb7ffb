package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit caps the number of events replayed in one catchup response.
// When a client has missed more than this, it receives catchup.overflow and
// is expected to reload state over the REST API instead of paginating.
const catchupLimit = 200

// listenTimeout bounds the LISTEN command issued when the first subscriber
// joins a channel. Without it a stalled database connection would block the
// subscribing client's read loop indefinitely.
const listenTimeout = 10 * time.Second

// CatchupQuerier replays persisted events for a channel. Implemented by
// Publisher.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, afterID int64, limit int) ([]StoredEvent, error)
}

// ConnectionManager owns every WebSocket client of this process and the
// channel subscription table that routes broadcasts to them. One instance per
// process; the NotifyListener feeds it cross-process notifications.
type ConnectionManager struct {
	// connection_id -> *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// channel -> set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	catchupQuerier CatchupQuerier

	// Set after construction; LISTEN/UNLISTEN follows the first/last
	// subscriber of each channel.
	listener   *NotifyListener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
}

// Connection is a single WebSocket client.
//
// subscriptions is deliberately unlocked: every access happens on the one
// goroutine that owns the connection (HandleConnection's read loop and its
// deferred cleanup). Anything that would touch it from outside that goroutine
// needs to add a mutex first.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a manager that serves catchup requests from
// the given querier and applies writeTimeout to every outbound frame.
func NewConnectionManager(catchupQuerier CatchupQuerier, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:    make(map[string]*Connection),
		channels:       make(map[string]map[string]bool),
		catchupQuerier: catchupQuerier,
		writeTimeout:   writeTimeout,
	}
}

// SetListener wires the NotifyListener. Called once during startup, after
// both sides exist; the manager works without one (single-process mode) but
// then only sees events broadcast directly to it.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection runs the lifecycle of one WebSocket client. Called by the
// HTTP handler after the upgrade; blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Closed or broken; the deferred unregister cleans up.
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast delivers a payload to every connection subscribed to the channel.
// Satisfies Broadcaster, so NOTIFY traffic lands here.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	// Snapshot the pointers, then send outside both locks. A slow client
	// can stall for up to writeTimeout and must not block register or
	// unregister of other connections.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client", "connection_id", conn.ID, "error", err)
		}
	}
}

// ActiveConnections returns how many clients are currently connected.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount reports the subscriber count for a channel. Tests poll it
// instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

// Shutdown closes every connection with a going-away status. Run loops exit
// through their read error and unregister themselves.
func (m *ConnectionManager) Shutdown() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		_ = c.Conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Reconnecting clients pass the last event id they saw and get the
		// gap replayed. Fresh clients get the live stream only; the global
		// channel holds the whole retention window and replaying it from
		// zero on every subscribe would drown new dashboards.
		if msg.LastEventID != nil {
			m.handleCatchup(ctx, c, msg.Channel, *msg.LastEventID)
		}

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		if msg.LastEventID == nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": "last_event_id is required for catchup"})
			return
		}
		m.handleCatchup(ctx, c, msg.Channel, *msg.LastEventID)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown action: " + msg.Action})
	}
}

// subscribe adds the connection to a channel and issues LISTEN when it is the
// first subscriber. The LISTEN is synchronous so that it is active before
// subscribe returns; the caller's subsequent catchup then closes the gap with
// no window where a published event is neither replayed nor notified.
//
// Returns an error when LISTEN fails so the caller reports subscription.error
// instead of a false confirmation.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes every subscriber of a channel after a LISTEN
// failure and tells the affected connections (the triggering one learns of it
// through subscribe's error return).
//
// Between releasing channelMu and the LISTEN completing, other connections may
// have joined the channel; they saw an existing entry, skipped LISTEN, and
// were confirmed. Those subscriptions have no PG LISTEN behind them, so they
// are torn down here. Such a client can observe subscription.confirmed
// followed by subscription.error; the error is authoritative and the client
// must re-subscribe or fall back to REST polling.
//
// Affected connections may keep a stale c.subscriptions entry. Harmless:
// Broadcast routes via m.channels, which no longer has the channel, and both
// unsubscribe and unregisterConnection tolerate missing entries.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.sendJSON(conn, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe drops the connection from a channel and stops LISTEN when the
// last subscriber leaves.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			// UNLISTEN runs async and re-checks the channel table first,
			// so an unsubscribe immediately followed by a resubscribe
			// (agent reconnect churn) cannot drop an active LISTEN:
			// the goroutine sees the channel re-added and backs off.
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup replays persisted events with id > afterID to one client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, afterID int64) {
	if m.catchupQuerier == nil {
		return
	}

	// Fetch one row past the limit to detect overflow.
	events, err := m.catchupQuerier.GetCatchupEvents(ctx, channel, afterID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	// Stored rows lack db_event_id (it is injected into the NOTIFY payload
	// at publish time), so add it here from the row id. Clients use it to
	// advance their catchup position.
	for _, evt := range events {
		var fields map[string]any
		if err := json.Unmarshal(evt.Payload, &fields); err != nil {
			slog.Warn("Skipping undecodable catchup event", "db_event_id", evt.ID, "error", err)
			continue
		}
		fields["db_event_id"] = evt.ID
		payload, err := json.Marshal(fields)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send catchup event", "connection_id", c.ID, "error", err)
			return
		}
	}

	// Too far behind: stop replaying and point the client at a full reload.
	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes the connection and all of its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends one message to one connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

// sendRaw writes raw bytes to one connection under the write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}

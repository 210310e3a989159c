package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/tabletop/go/internal/turntimer/coordinator"
	"github.com/mcdev12/tabletop/go/internal/turntimer/events"
	"github.com/rs/zerolog/log"
)

// ConnectionManager owns the websocket connections and the session rooms they are subscribed
// to. It is the registry's emitter, so Emit never blocks: a subscriber that cannot take a frame
// right away is disconnected and resyncs on reconnect.
type ConnectionManager struct {
	// Rooms organized by session ID
	rooms       map[uuid.UUID]map[coordinator.Subscriber]bool
	memberships map[coordinator.Subscriber]map[uuid.UUID]bool
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	slowDisconnects atomic.Int64
}

// ConnectionStats describes the current connections and rooms
type ConnectionStats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveSessions     int            `json:"active_sessions"`
	SessionConnections map[string]int `json:"session_connections"`
	SlowDisconnects    int64          `json:"slow_disconnects"`
}

var _ coordinator.Broadcaster = (*ConnectionManager)(nil)

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	defaults := DefaultConnectionConfig()
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = defaults.SendBufferSize
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.CheckOrigin == nil {
		config.CheckOrigin = defaults.CheckOrigin
	}

	return &ConnectionManager{
		rooms:       make(map[uuid.UUID]map[coordinator.Subscriber]bool),
		memberships: make(map[coordinator.Subscriber]map[uuid.UUID]bool),
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and starts its pumps
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID string, handler commandHandler) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := time.Now()
	connection := &Connection{
		id:          uuid.New().String(),
		UserID:      userID,
		ConnectedAt: now,
		conn:        conn,
		send:        make(chan []byte, cm.config.SendBufferSize),
		done:        make(chan struct{}),
		manager:     cm,
		handler:     handler,
	}
	connection.lastPing.Store(now.UnixNano())

	cm.mu.Lock()
	cm.connections[connection] = true
	total := len(cm.connections)
	cm.mu.Unlock()

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.id).
		Str("user_id", userID).
		Int("total_connections", total).
		Msg("WebSocket connection established")

	return connection, nil
}

// Emit fans an event out to every subscriber of its session. The frame is marshalled once.
func (cm *ConnectionManager) Emit(ev events.Event) {
	env, err := events.NewEnvelope(ev)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to build event envelope")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	cm.mu.RLock()
	targets := make([]coordinator.Subscriber, 0, len(cm.rooms[ev.SessionID]))
	for sub := range cm.rooms[ev.SessionID] {
		targets = append(targets, sub)
	}
	cm.mu.RUnlock()

	for _, sub := range targets {
		if !sub.Deliver(frame) {
			cm.dropSlow(sub)
		}
	}

	log.Debug().
		Str("event_type", string(ev.Type)).
		Str("session_id", ev.SessionID.String()).
		Uint64("seq", ev.Seq).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// Subscribe delivers the snapshot to sub and adds it to the session room.
func (cm *ConnectionManager) Subscribe(sessionID uuid.UUID, sub coordinator.Subscriber, snapshot *events.Envelope) bool {
	frame, err := json.Marshal(snapshot)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("failed to marshal snapshot")
		return false
	}

	cm.mu.Lock()
	if cm.rooms[sessionID] == nil {
		cm.rooms[sessionID] = make(map[coordinator.Subscriber]bool)
	}
	cm.rooms[sessionID][sub] = true
	if cm.memberships[sub] == nil {
		cm.memberships[sub] = make(map[uuid.UUID]bool)
	}
	cm.memberships[sub][sessionID] = true
	size := len(cm.rooms[sessionID])
	cm.mu.Unlock()

	if !sub.Deliver(frame) {
		cm.Unsubscribe(sessionID, sub)
		return false
	}

	log.Debug().
		Str("connection_id", sub.ID()).
		Str("session_id", sessionID.String()).
		Int("room_size", size).
		Msg("subscriber joined room")
	return true
}

// Unsubscribe removes sub from the session room.
func (cm *ConnectionManager) Unsubscribe(sessionID uuid.UUID, sub coordinator.Subscriber) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.leaveLocked(sessionID, sub)
}

// Stats returns statistics about active connections
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	counts := make(map[string]int, len(cm.rooms))
	for sessionID, subs := range cm.rooms {
		counts[sessionID.String()] = len(subs)
	}
	return ConnectionStats{
		TotalConnections:   len(cm.connections),
		ActiveSessions:     len(cm.rooms),
		SessionConnections: counts,
		SlowDisconnects:    cm.slowDisconnects.Load(),
	}
}

// CloseAll disconnects every connection, e.g. on shutdown.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

func (cm *ConnectionManager) dropSlow(sub coordinator.Subscriber) {
	cm.slowDisconnects.Add(1)
	log.Warn().
		Str("connection_id", sub.ID()).
		Msg("connection send buffer full, closing connection")

	cm.removeSubscriber(sub)
	if c, ok := sub.(*Connection); ok {
		c.close()
	}
}

// removeSubscriber takes sub out of every room it joined.
func (cm *ConnectionManager) removeSubscriber(sub coordinator.Subscriber) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for sessionID := range cm.memberships[sub] {
		cm.leaveLocked(sessionID, sub)
	}
	if c, ok := sub.(*Connection); ok {
		delete(cm.connections, c)
	}
}

func (cm *ConnectionManager) leaveLocked(sessionID uuid.UUID, sub coordinator.Subscriber) {
	if subs, ok := cm.rooms[sessionID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(cm.rooms, sessionID)
		}
	}
	if joined, ok := cm.memberships[sub]; ok {
		delete(joined, sessionID)
		if len(joined) == 0 {
			delete(cm.memberships, sub)
		}
	}
}

// unregisterConnection removes a connection from the manager
func (cm *ConnectionManager) unregisterConnection(c *Connection) {
	cm.mu.RLock()
	_, registered := cm.connections[c]
	cm.mu.RUnlock()
	if !registered {
		return
	}

	cm.removeSubscriber(c)
	log.Info().
		Str("connection_id", c.id).
		Str("user_id", c.UserID).
		Msg("connection unregistered")
}

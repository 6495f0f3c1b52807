// Package sync is the replication channel between conversation replicas.
// The relay is a hub-and-spoke broadcaster: replicas subscribe to a
// conversation id and every mutation frame a replica sends is fanned out to
// the conversation's other subscribers. The relay gives no ordering or
// deduplication guarantee; the store's merge protocol owns both. It does
// owe eventual delivery to late joiners, which a bounded per-conversation
// backlog replayed on subscribe provides.
package sync

import (
	"encoding/json"
	"net/http"
	gosync "sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// DefaultBacklog is the number of mutation frames retained per
// conversation for replay to new subscribers.
const DefaultBacklog = 4096

// subscribeFrame is the first frame a replica sends after connecting.
type subscribeFrame struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id"`
	ReplicaID      string `json:"replica_id"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// client represents one subscribed replica connection.
type client struct {
	id             string
	conversationID string
	replicaID      string
	send           chan []byte
	conn           Conn
}

// Relay is the central connection manager. All operations are thread-safe
// via sync.RWMutex.
type Relay struct {
	mu          gosync.RWMutex
	subscribers map[string]map[*client]struct{} // conversation id -> clients
	backlog     map[string][][]byte             // conversation id -> retained frames
	backlogSize int
	logger      zerolog.Logger
}

// NewRelay creates a relay retaining up to backlogSize frames per
// conversation (DefaultBacklog when <= 0).
func NewRelay(backlogSize int, logger zerolog.Logger) *Relay {
	if backlogSize <= 0 {
		backlogSize = DefaultBacklog
	}
	return &Relay{
		subscribers: make(map[string]map[*client]struct{}),
		backlog:     make(map[string][][]byte),
		backlogSize: backlogSize,
		logger:      logger.With().Str("component", "sync-relay").Logger(),
	}
}

// register adds a subscribed client and returns a copy of the conversation
// backlog for the caller to replay. The snapshot is taken under the same
// lock that adds the subscriber, so a frame broadcast after registration is
// delivered live and never missing from both paths.
func (r *Relay) register(c *client) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subscribers[c.conversationID] == nil {
		r.subscribers[c.conversationID] = make(map[*client]struct{})
	}
	r.subscribers[c.conversationID][c] = struct{}{}

	replay := make([][]byte, len(r.backlog[c.conversationID]))
	copy(replay, r.backlog[c.conversationID])
	return replay
}

// unregister removes a client and closes its send channel.
func (r *Relay) unregister(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subscribers[c.conversationID]
	if !ok {
		return
	}
	if _, ok := subs[c]; !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(r.subscribers, c.conversationID)
	}
	close(c.send)
}

// broadcast retains a frame in the backlog and fans it out to every
// subscriber of the conversation except the sender.
func (r *Relay) broadcast(from *client, frame []byte) {
	r.mu.Lock()
	bl := append(r.backlog[from.conversationID], frame)
	if len(bl) > r.backlogSize {
		bl = bl[len(bl)-r.backlogSize:]
	}
	r.backlog[from.conversationID] = bl
	r.mu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.subscribers[from.conversationID] {
		if c == from {
			continue
		}
		select {
		case c.send <- frame:
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
}

// SubscriberCount returns the number of replicas subscribed to a
// conversation.
func (r *Relay) SubscriberCount(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers[conversationID])
}

// BacklogLen returns the number of retained frames for a conversation.
func (r *Relay) BacklogLen(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backlog[conversationID])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Replicas connect from arbitrary origins.
	},
}

// RelayHandler handles HTTP-to-WebSocket upgrades for the relay.
type RelayHandler struct {
	relay *Relay
}

// NewRelayHandler creates a handler bound to the given Relay.
func NewRelayHandler(relay *Relay) *RelayHandler {
	return &RelayHandler{relay: relay}
}

// RegisterRoutes registers the sync endpoint on the provided Echo instance.
func (rh *RelayHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/sync", rh.HandleConnect)
}

// HandleConnect upgrades the connection, waits for the subscribe frame,
// registers the client, and starts the pumps.
func (rh *RelayHandler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	go rh.serve(&gorillaConnAdapter{ws})
	return nil
}

// serve runs one connection: subscribe handshake, then relay frames until
// the peer disconnects.
func (rh *RelayHandler) serve(conn Conn) {
	_, first, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var sub subscribeFrame
	if err := json.Unmarshal(first, &sub); err != nil || sub.Action != "subscribe" || sub.ConversationID == "" {
		rh.relay.logger.Warn().Msg("dropping connection without valid subscribe frame")
		conn.Close()
		return
	}

	cl := &client{
		id:             uuid.New().String(),
		conversationID: sub.ConversationID,
		replicaID:      sub.ReplicaID,
		send:           make(chan []byte, 256),
		conn:           conn,
	}
	replay := rh.relay.register(cl)
	rh.relay.logger.Info().
		Str("conversation_id", cl.conversationID).
		Str("replica_id", cl.replicaID).
		Int("backlog", len(replay)).
		Msg("replica subscribed")

	// Replay the retained backlog synchronously, before the write pump
	// starts draining the send buffer. Frames broadcast meanwhile queue in
	// the buffer and follow once the pump runs, so a late joiner sees the
	// entire backlog however large it is.
	for _, frame := range replay {
		if err := conn.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
			rh.relay.unregister(cl)
			conn.Close()
			return
		}
	}

	go rh.writePump(cl)
	rh.readPump(cl)
}

// readPump forwards inbound frames to the relay until the connection dies.
func (rh *RelayHandler) readPump(cl *client) {
	defer func() {
		rh.relay.unregister(cl)
		cl.conn.Close()
	}()
	for {
		_, frame, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		rh.relay.broadcast(cl, frame)
	}
}

// writePump writes queued frames to the connection.
func (rh *RelayHandler) writePump(cl *client) {
	for frame := range cl.send {
		if err := cl.conn.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
			return
		}
	}
	cl.conn.Close()
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy Conn.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}

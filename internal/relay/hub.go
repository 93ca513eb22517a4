// Package relay fans synchronization messages out to session rooms
// over WebSocket and feeds liveness and context updates into the
// session coordinator.
package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nainya/collabsync/internal/logger"
	"github.com/nainya/collabsync/internal/metrics"
	"github.com/nainya/collabsync/pkg/collab"
	"github.com/nainya/collabsync/pkg/ot"
	"github.com/nainya/collabsync/pkg/session"
	"github.com/nainya/collabsync/pkg/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected participant.
type client struct {
	sessionID     string
	participantID string
	conn          *websocket.Conn
	send          chan []byte
}

// Hub routes messages between participants of the same session. One
// goroutine owns the room table; connection pumps communicate with it
// through channels, following the standard hub pattern.
type Hub struct {
	coordinator *session.Coordinator
	documents   *collab.Engine
	log         *logger.Logger
	metrics     *metrics.Metrics

	rooms      map[string]map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan outbound
	stop       chan struct{}
}

// outbound is a frame addressed to a session room, excluding its
// origin client.
type outbound struct {
	sessionID string
	origin    *client
	data      []byte
}

// NewHub creates a hub bound to a coordinator and a document engine.
func NewHub(coordinator *session.Coordinator, documents *collab.Engine, log *logger.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Hub{
		coordinator: coordinator,
		documents:   documents,
		log:         log,
		metrics:     m,
		rooms:       make(map[string]map[*client]bool),
		register:    make(chan *client),
		unregister:  make(chan *client),
		broadcast:   make(chan outbound, 256),
		stop:        make(chan struct{}),
	}
}

// Run processes room membership and fan-out until Stop.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			room, ok := h.rooms[c.sessionID]
			if !ok {
				room = make(map[*client]bool)
				h.rooms[c.sessionID] = room
			}
			room[c] = true

		case c := <-h.unregister:
			if room, ok := h.rooms[c.sessionID]; ok {
				if room[c] {
					delete(room, c)
					close(c.send)
					if len(room) == 0 {
						delete(h.rooms, c.sessionID)
					}
				}
			}

		case out := <-h.broadcast:
			for c := range h.rooms[out.sessionID] {
				if c == out.origin {
					continue
				}
				select {
				case c.send <- out.data:
				default:
					// Slow consumer: drop the connection, not the hub.
					delete(h.rooms[out.sessionID], c)
					close(c.send)
				}
			}

		case <-h.stop:
			for _, room := range h.rooms {
				for c := range room {
					close(c.send)
				}
			}
			return
		}
	}
}

// Stop shuts the hub down.
func (h *Hub) Stop() {
	close(h.stop)
}

// HandleWS upgrades a connection and joins it to its session room.
// The session and participant ids come from query parameters.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	participantID := r.URL.Query().Get("participant")
	if sessionID == "" || participantID == "" {
		http.Error(w, "session and participant required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed").Err(err).Send()
		return
	}

	c := &client{
		sessionID:     sessionID,
		participantID: participantID,
		conn:          conn,
		send:          make(chan []byte, 64),
	}
	h.register <- c

	go h.writePump(c)
	h.readPump(c)
}

// readPump reads frames from one client, dispatches them, and fans
// them out to the room.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		start := time.Now()
		m, err := transport.Decode(data)
		if err != nil {
			h.log.Warn("dropping undecodable frame").
				Str("participant", c.participantID).
				Err(err).Send()
			if h.metrics != nil {
				h.metrics.RecordSyncMessage("invalid", "error", time.Since(start))
			}
			continue
		}

		status := "success"
		dispatchErr := h.dispatch(c, m)
		if dispatchErr != nil {
			status = "error"
		}
		h.log.LogSyncMessage(string(m.Type), c.sessionID, m.Version, dispatchErr)
		if h.metrics != nil {
			h.metrics.RecordSyncMessage(string(m.Type), status, time.Since(start))
		}

		// Heartbeats stay between participant and coordinator, and a
		// frame the coordinator refused must not reach the room.
		if m.Type != transport.MsgHeartbeat && dispatchErr == nil {
			h.broadcast <- outbound{sessionID: c.sessionID, origin: c, data: data}
		}
	}
}

// dispatch feeds coordinator-relevant messages into session state.
func (h *Hub) dispatch(c *client, m transport.Message) error {
	switch m.Type {
	case transport.MsgHeartbeat:
		if h.metrics != nil {
			h.metrics.HeartbeatsTotal.Inc()
		}
		return h.coordinator.Heartbeat(c.sessionID, c.participantID)

	case transport.MsgContextUpdate:
		var changes map[string]string
		if err := m.DecodePayload(&changes); err != nil {
			return err
		}
		_, err := h.coordinator.Mutate(c.sessionID, c.participantID, changes)
		return err

	case transport.MsgDocumentOperation:
		if h.documents == nil {
			return nil
		}
		var body struct {
			DocumentID string       `json:"document_id"`
			Operation  ot.Operation `json:"operation"`
		}
		if err := m.DecodePayload(&body); err != nil {
			return err
		}
		res, err := h.documents.ApplyRemote(body.DocumentID, body.Operation)
		if err != nil {
			return err
		}
		if h.metrics != nil {
			switch res {
			case collab.RemoteApplied:
				h.metrics.TransformsTotal.Inc()
				h.metrics.OperationsApplied.WithLabelValues(string(body.Operation.Kind)).Inc()
			case collab.RemoteDuplicate:
				h.metrics.DuplicateOpsTotal.Inc()
			}
		}
		return nil

	case transport.MsgAck:
		return h.coordinator.Acknowledge(c.sessionID, m.Version)
	}

	// Remaining types relay without coordinator involvement.
	return nil
}

// writePump drains the send channel to the connection. A write error
// drops the client.
func (h *Hub) writePump(c *client) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

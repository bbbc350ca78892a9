package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/securechat/core/errkind"
	"github.com/securechat/core/transport"
)

const writeTimeout = 15 * time.Second

// inboundEvent maps an envelope type to the server-to-client event name.
func inboundEvent(t transport.Type) string {
	switch t {
	case transport.TypeKEPInit:
		return transport.EventKEPInit
	case transport.TypeKEPResponse:
		return transport.EventKEPResponse
	case transport.TypeKeyUpdate:
		return transport.EventKeyUpdate
	default:
		return transport.EventMsgReceive
	}
}

type queuedEnvelope struct {
	messageID string
	event     transport.Event
}

type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan transport.Event
	once   sync.Once
	done   chan struct{}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub routes envelopes between connected clients. Envelopes for offline
// receivers are queued and flushed on reconnect; their metadata stays
// undelivered until the flush.
type Hub struct {
	meta    *MetaStore
	files   *FileStore
	metrics *Metrics

	mu      sync.Mutex
	clients map[string]*wsClient
	queue   map[string][]queuedEnvelope
}

// NewHub creates a hub over the given stores.
func NewHub(meta *MetaStore, files *FileStore, metrics *Metrics) *Hub {
	return &Hub{
		meta:    meta,
		files:   files,
		metrics: metrics,
		clients: make(map[string]*wsClient),
		queue:   make(map[string][]queuedEnvelope),
	}
}

// Attach registers a connection for userID and serves it until the socket
// drops. It blocks; callers run it from the WebSocket handler goroutine.
func (h *Hub) Attach(userID string, conn *websocket.Conn) {
	client := &wsClient{
		userID: userID,
		conn:   conn,
		send:   make(chan transport.Event, 64),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.clients[userID]; ok {
		old.close()
	}
	h.clients[userID] = client
	pending := h.queue[userID]
	delete(h.queue, userID)
	h.mu.Unlock()

	h.metrics.ConnectedClients.Inc()
	defer h.metrics.ConnectedClients.Dec()
	logrus.WithField("user_id", userID).Info("Client connected")

	go h.writePump(client)
	h.flushPending(client, userID, pending)

	h.readLoop(client)

	h.mu.Lock()
	if h.clients[userID] == client {
		delete(h.clients, userID)
	}
	h.mu.Unlock()
	client.close()
	logrus.WithField("user_id", userID).Info("Client disconnected")
}

// flushPending replays queued envelopes to a freshly attached client. If the
// socket dies mid-flush, the unsent remainder goes back to the front of the
// queue instead of blocking the handler forever.
func (h *Hub) flushPending(client *wsClient, userID string, pending []queuedEnvelope) {
	for i, q := range pending {
		select {
		case client.send <- q.event:
			h.metrics.QueuedEnvelopes.Dec()
			if q.messageID != "" {
				h.meta.MarkDelivered(q.messageID)
			}
		case <-client.done:
			h.mu.Lock()
			h.queue[userID] = append(append([]queuedEnvelope{}, pending[i:]...), h.queue[userID]...)
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) readLoop(client *wsClient) {
	for {
		var event transport.Event
		if err := client.conn.ReadJSON(&event); err != nil {
			return
		}
		if event.Envelope == nil {
			continue
		}
		if _, err := h.Dispatch(client.userID, event.Envelope); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"user_id":    client.userID,
				"session_id": event.Envelope.SessionID,
			}).Warn("Envelope rejected")
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	for {
		select {
		case event, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteJSON(event); err != nil {
				client.close()
				return
			}
		case <-client.done:
			return
		}
	}
}

// Dispatch validates, records and routes one envelope from sender. Message
// and file envelopes pass the metadata gate first; handshake envelopes carry
// no seq or nonce and skip it. The returned metadata is nil for handshake
// envelopes.
func (h *Hub) Dispatch(sender string, env *transport.Envelope) (*MessageMeta, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.Sender != sender {
		return nil, errkind.Newf(errkind.BadInput, "envelope sender %s does not match authenticated user", env.Sender)
	}

	var meta *MessageMeta
	if env.Type == transport.TypeMsg || env.Type == transport.TypeFileMeta || env.Type == transport.TypeFileChunk {
		var err error
		meta, err = h.meta.Record(env)
		if err != nil {
			if errkind.Is(err, errkind.ReplayDetected) {
				h.metrics.ReplayRejected.Inc()
			}
			return nil, err
		}
		if env.Type != transport.TypeMsg {
			if err := h.files.Put(env); err != nil {
				return nil, err
			}
		}
	}

	event := transport.Event{Name: inboundEvent(env.Type), Envelope: env}
	messageID := ""
	if meta != nil {
		messageID = meta.MessageID
	}
	h.deliver(env.Receiver, event, messageID)
	h.metrics.Relayed.WithLabelValues(string(env.Type)).Inc()
	return meta, nil
}

// deliver hands the event to a connected receiver or queues it.
func (h *Hub) deliver(receiver string, event transport.Event, messageID string) {
	h.mu.Lock()
	client, online := h.clients[receiver]
	if !online {
		h.queue[receiver] = append(h.queue[receiver], queuedEnvelope{messageID: messageID, event: event})
		h.mu.Unlock()
		h.metrics.QueuedEnvelopes.Inc()
		return
	}
	h.mu.Unlock()

	select {
	case client.send <- event:
		if messageID != "" {
			h.meta.MarkDelivered(messageID)
		}
	default:
		h.mu.Lock()
		h.queue[receiver] = append(h.queue[receiver], queuedEnvelope{messageID: messageID, event: event})
		h.mu.Unlock()
		h.metrics.QueuedEnvelopes.Inc()
	}
}

// Connected reports whether a user currently holds a socket.
func (h *Hub) Connected(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[userID]
	return ok
}

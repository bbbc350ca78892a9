package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/securechat/core/errkind"
)

// Relay events, client to server and back.
const (
	EventMsgSend     = "msg:send"
	EventMsgReceive  = "msg:receive"
	EventKEPInit     = "kep:init"
	EventKEPResponse = "kep:response"
	EventKeyUpdate   = "key:update"
)

// Event is the framing for envelopes on the relay WebSocket.
type Event struct {
	Name     string    `json:"event"`
	Envelope *Envelope `json:"envelope"`
}

// EventNameFor maps an envelope type to its client-to-server event.
func EventNameFor(t Type) string {
	switch t {
	case TypeKEPInit:
		return EventKEPInit
	case TypeKEPResponse:
		return EventKEPResponse
	case TypeKeyUpdate:
		return EventKeyUpdate
	default:
		return EventMsgSend
	}
}

// RelayClient hands envelopes to the relay and surfaces inbound ones.
type RelayClient interface {
	Send(ctx context.Context, env *Envelope) error
	Inbound() <-chan *Envelope
	Close() error
}

// WSRelay is the WebSocket relay client with an HTTPS POST fallback for
// sends when the socket is down.
type WSRelay struct {
	url      string
	fallback string
	token    string

	mu   sync.Mutex
	conn *websocket.Conn

	// inbox is closed by readLoop and nobody else; done tells readLoop a
	// Close is in progress so it stops delivering first.
	inbox     chan *Envelope
	done      chan struct{}
	closeOnce sync.Once

	httpClient *http.Client
}

// DialRelay connects to the relay WebSocket. fallbackURL is the HTTPS base
// for POST /messages/relay, used when the socket is unavailable.
func DialRelay(ctx context.Context, wsURL, fallbackURL, token string) (*WSRelay, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	r := &WSRelay{
		url:        wsURL,
		fallback:   fallbackURL,
		token:      token,
		inbox:      make(chan *Envelope, 64),
		done:       make(chan struct{}),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	if err != nil {
		if fallbackURL == "" {
			return nil, errkind.Wrap(errkind.TransportError, "relay websocket unavailable", err)
		}
		logrus.WithError(err).Warn("Relay websocket unavailable, falling back to HTTPS posts")
		// No readLoop will run for a fallback-only client.
		close(r.inbox)
		return r, nil
	}
	r.conn = conn
	go r.readLoop(conn)
	return r, nil
}

// Send relays one envelope, preferring the socket.
func (r *WSRelay) Send(ctx context.Context, env *Envelope) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		event := Event{Name: EventNameFor(env.Type), Envelope: env}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetWriteDeadline(deadline)
		} else {
			conn.SetWriteDeadline(time.Now().Add(15 * time.Second))
		}
		if err := conn.WriteJSON(event); err == nil {
			return nil
		} else {
			logrus.WithError(err).Warn("Relay socket write failed, trying HTTPS fallback")
		}
	}
	return r.postFallback(ctx, env)
}

func (r *WSRelay) postFallback(ctx context.Context, env *Envelope) error {
	if r.fallback == "" {
		return errkind.New(errkind.TransportError, "relay unavailable and no fallback configured")
	}
	body, err := json.Marshal(map[string]*Envelope{"envelope": env})
	if err != nil {
		return errkind.Wrap(errkind.BadInput, "envelope encoding failed", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.fallback+"/messages/relay", bytes.NewReader(body))
	if err != nil {
		return errkind.Wrap(errkind.BadInput, "relay request build failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.TransportError, "relay fallback unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errkind.Newf(errkind.TransportError, "relay fallback returned status %d", resp.StatusCode)
	}
	return nil
}

// Inbound returns the channel of envelopes pushed by the relay. The channel
// closes when the connection drops or Close is called.
func (r *WSRelay) Inbound() <-chan *Envelope { return r.inbox }

func (r *WSRelay) readLoop(conn *websocket.Conn) {
	defer close(r.inbox)
	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			logrus.WithError(err).Info("Relay socket closed")
			return
		}
		if event.Envelope == nil {
			continue
		}
		select {
		case <-r.done:
			return
		case r.inbox <- event.Envelope:
		default:
			logrus.WithFields(logrus.Fields{
				"session_id": event.Envelope.SessionID,
				"type":       event.Envelope.Type,
			}).Warn("Inbound relay queue full, dropping envelope")
		}
	}
}

// Close shuts the socket down. Safe to call concurrently with reception and
// more than once; readLoop drains out on the closed conn and closes Inbound.
func (r *WSRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		if r.conn != nil {
			err = r.conn.Close()
			r.conn = nil
		}
		r.mu.Unlock()
	})
	return err
}

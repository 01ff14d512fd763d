// Package hub fans occupancy updates out to every live connection.
//
// The Hub owns the set of live connections. Membership changes and the
// enqueue step of every broadcast happen under one mutex, so a broadcast
// never sees a half-registered or half-removed connection and every
// recipient observes broadcasts in the same order. Writes to the transport
// happen outside the lock, one write pump per connection, so a stalled
// reader cannot hold up the others.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jsherman999/occupancyhub/internal/occupancy"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("hub closed")

// Appender persists one observation and returns its store-assigned timestamp.
type Appender interface {
	AppendObservation(ctx context.Context, buildingID int64, zone string, count int) (time.Time, error)
}

type Options struct {
	// SendBuffer bounds each connection's outbound queue. A connection whose
	// queue is full when a broadcast arrives is disconnected.
	SendBuffer      int
	MaxMessageBytes int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PersistTimeout  time.Duration
	// RejectProtocols lists Sec-WebSocket-Protocol values refused at handshake.
	RejectProtocols []string
	// AllowedOrigins restricts the Origin header; empty allows any.
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 4096
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.RejectProtocols == nil {
		o.RejectProtocols = []string{"vite-hmr"}
	}
	return o
}

type Hub struct {
	store    Appender
	log      *zap.SugaredLogger
	opts     Options
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

func New(store Appender, log *zap.SugaredLogger, opts Options) *Hub {
	h := &Hub{
		store: store,
		log:   log,
		opts:  opts.withDefaults(),
		conns: make(map[*Conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// Accept registers c and moves it to Open.
func (h *Hub) Accept(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.close()
		return ErrClosed
	}
	if c.State() != StateConnecting {
		return fmt.Errorf("accept %s: connection is %s", c.ID, c.State())
	}
	c.state.Store(int32(StateOpen))
	h.conns[c] = struct{}{}
	h.log.Debugw("hub: connection accepted", "conn", c.ID, "protocol", c.Protocol, "live", len(h.conns))
	return nil
}

// Disconnect removes c from the live set and closes its queue. It is safe to
// call repeatedly and concurrently with Broadcast; it reports whether this
// call performed the removal.
func (h *Hub) Disconnect(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Conn) bool {
	if _, ok := h.conns[c]; !ok {
		return false
	}
	delete(h.conns, c)
	c.close()
	h.log.Debugw("hub: connection removed", "conn", c.ID, "live", len(h.conns))
	return true
}

// Ingest decodes one inbound frame, persists it and broadcasts it. Frames
// that fail to decode or persist are logged and dropped; the error is
// returned for the caller's information only and never closes src.
// src is nil for frames that did not arrive over a live connection; a
// non-nil src must be Open, otherwise the frame is dropped with ErrClosed.
func (h *Hub) Ingest(ctx context.Context, raw []byte, src *Conn) error {
	if src != nil && src.State() != StateOpen {
		h.log.Debugw("hub: dropping frame from connection that is not open", "conn", src.String(), "state", src.State())
		return fmt.Errorf("ingest from %s: %w", src, ErrClosed)
	}
	env, err := occupancy.DecodeEnvelope(raw)
	if errors.Is(err, occupancy.ErrUnknownType) {
		h.log.Debugw("hub: ignoring frame", "conn", src.String(), "error", err)
		return nil
	}
	if err != nil {
		h.log.Warnw("hub: dropping frame", "conn", src.String(), "error", err, "bytes", len(raw))
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, h.opts.PersistTimeout)
	defer cancel()
	ts, err := h.store.AppendObservation(pctx, env.BuildingID, env.Zone, env.Count)
	if err != nil {
		h.log.Warnw("hub: persist failed, not broadcasting",
			"conn", src.String(), "building", env.BuildingID, "zone", env.Zone, "error", err)
		return fmt.Errorf("persist: %w", err)
	}

	n := h.Broadcast(env)
	h.log.Debugw("hub: update broadcast",
		"conn", src.String(), "building", env.BuildingID, "zone", env.Zone, "count", env.Count, "ts", ts, "recipients", n)
	return nil
}

// Broadcast enqueues env to every open connection, the sender included, and
// returns how many accepted it. Connections that cannot take the message
// are disconnected and skipped.
func (h *Hub) Broadcast(env occupancy.Envelope) int {
	b, err := env.Encode()
	if err != nil {
		h.log.Errorw("hub: encode envelope", "error", err)
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.conns {
		select {
		case c.send <- b:
			n++
		default:
			h.log.Warnw("hub: send queue full, disconnecting", "conn", c.ID)
			h.removeLocked(c)
		}
	}
	return n
}

// Subscribe registers a receive-only observer, used by streaming endpoints
// that relay broadcasts without submitting updates.
func (h *Hub) Subscribe(buf int) (*Conn, error) {
	if buf <= 0 {
		buf = h.opts.SendBuffer
	}
	c := NewConn("observer", buf)
	if err := h.Accept(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Len reports the number of live connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.conns {
		h.removeLocked(c)
	}
	h.log.Infow("hub: closed")
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// ServeHTTP upgrades the request and runs a session until the transport
// closes. Reserved tooling sub-protocols are refused before the upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, p := range websocket.Subprotocols(r) {
		if h.rejected(p) {
			h.log.Debugw("hub: rejecting reserved sub-protocol", "protocol", p, "remote", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}
	if h.isClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Debugw("hub: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := NewConn(ws.Subprotocol(), h.opts.SendBuffer)
	if err := h.Accept(c); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.opts.WriteWait))
		_ = ws.Close()
		return
	}
	h.log.Infow("hub: client connected", "conn", c.ID, "remote", r.RemoteAddr)

	s := newSession(h, ws, c)
	s.run(r.Context())
	h.log.Infow("hub: client disconnected", "conn", c.ID)
}

func (h *Hub) rejected(protocol string) bool {
	for _, p := range h.opts.RejectProtocols {
		if p == protocol {
			return true
		}
	}
	return false
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// Package syncclient keeps one live connection to the hub open on behalf of
// a consumer and turns pushed updates into cache invalidations.
//
// A pushed update is a signal that the consumer's view of a building is
// stale, not a replacement for it: the consumer re-reads through its query
// layer. Invalidation is idempotent, so the hub echoing a consumer's own
// update back to it is harmless.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/jsherman999/occupancyhub/internal/occupancy"
	"go.uber.org/zap"
)

// Invalidator is the consumer's query/cache layer.
type Invalidator interface {
	Invalidate(buildingID int64)
}

type Options struct {
	// ReconnectDelay is the first retry delay of a reconnect round and the
	// pause between exhausted rounds.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// MaxAttempts bounds one reconnect round.
	MaxAttempts uint
	WriteWait   time.Duration
	// Header and Subprotocols are sent with every handshake.
	Header       http.Header
	Subprotocols []string
	// OnStatus is called with true on connect and false on disconnect. It
	// only drives user feedback.
	OnStatus func(connected bool)
	// OnUpdate, if set, sees every update for a watched building after the
	// building has been invalidated.
	OnUpdate func(env occupancy.Envelope)
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.MaxReconnectDelay < o.ReconnectDelay {
		o.MaxReconnectDelay = 10 * o.ReconnectDelay
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

type Client struct {
	url    string
	inv    Invalidator
	log    *zap.SugaredLogger
	opts   Options
	dialer *websocket.Dialer

	mu      sync.Mutex
	ws      *websocket.Conn
	watched map[int64]struct{}

	writeMu sync.Mutex
}

func New(url string, inv Invalidator, log *zap.SugaredLogger, opts Options) *Client {
	return &Client{
		url:     url,
		inv:     inv,
		log:     log,
		opts:    opts.withDefaults(),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Subprotocols: opts.Subprotocols},
		watched: make(map[int64]struct{}),
	}
}

// Watch marks a building as relevant to this consumer.
func (c *Client) Watch(buildingID int64) {
	c.mu.Lock()
	c.watched[buildingID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) Unwatch(buildingID int64) {
	c.mu.Lock()
	delete(c.watched, buildingID)
	c.mu.Unlock()
}

func (c *Client) Watching(buildingID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watched[buildingID]
	return ok
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Connect dials the hub once. Any previous connection is closed.
func (c *Client) Connect(ctx context.Context) error {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	old := c.ws
	c.ws = ws
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	c.log.Infow("syncclient: connected", "url", c.url)
	c.status(true)
	return nil
}

// Close drops the current connection, if any. Run will reconnect unless its
// context is done.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}

// Send submits an update. It reports false, and drops the update, when no
// connection is open; retrying is the caller's decision.
func (c *Client) Send(zone string, count int, buildingID int64) bool {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return false
	}

	b, err := occupancy.NewUpdate(buildingID, zone, count).Encode()
	if err != nil {
		c.log.Warnw("syncclient: encode update", "error", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		c.log.Debugw("syncclient: send failed", "error", err)
		return false
	}
	return true
}

// OnMessage handles one pushed frame.
func (c *Client) OnMessage(raw []byte) {
	env, err := occupancy.DecodeEnvelope(raw)
	if errors.Is(err, occupancy.ErrUnknownType) {
		return
	}
	if err != nil {
		c.log.Warnw("syncclient: dropping frame", "error", err)
		return
	}
	if !c.Watching(env.BuildingID) {
		return
	}
	c.inv.Invalidate(env.BuildingID)
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(env)
	}
}

// Run keeps a connection open until ctx is done, reading frames in arrival
// order. After a drop it invalidates every watched building, since pushes
// may have been missed, and reconnects. These resync invalidations are in
// addition to the one each pushed update causes, which happens exactly once
// per update. Each reconnect round is bounded;
// an exhausted round pauses and starts over, so Run never gives up on its
// own.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	first := true
	for {
		if !c.Connected() {
			if err := c.reconnect(ctx); err != nil {
				return err
			}
			if !first {
				c.resync()
			}
		}
		first = false

		c.readLoop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	for {
		err := retry.Do(
			func() error { return c.Connect(ctx) },
			retry.Context(ctx),
			retry.Attempts(c.opts.MaxAttempts),
			retry.Delay(c.opts.ReconnectDelay),
			retry.MaxDelay(c.opts.MaxReconnectDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				c.log.Infow("syncclient: reconnect attempt failed", "attempt", n+1, "error", err)
			}),
		)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warnw("syncclient: reconnect round exhausted, pausing", "attempts", c.opts.MaxAttempts, "pause", c.opts.ReconnectDelay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Client) readLoop() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.log.Infow("syncclient: disconnected", "error", err)
			break
		}
		c.OnMessage(msg)
	}

	c.mu.Lock()
	current := c.ws == ws
	if current {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
	if current {
		c.status(false)
	}
}

func (c *Client) resync() {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.watched))
	for id := range c.watched {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.inv.Invalidate(id)
	}
}

func (c *Client) status(connected bool) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(connected)
	}
}

package hub

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// session adapts one websocket to the hub: frames read go to Ingest, frames
// queued on the Conn are written out.
type session struct {
	hub  *Hub
	ws   *websocket.Conn
	conn *Conn
	log  *zap.SugaredLogger

	disconnectOnce sync.Once
}

func newSession(h *Hub, ws *websocket.Conn, c *Conn) *session {
	return &session{hub: h, ws: ws, conn: c, log: h.log.With("conn", c.ID.String())}
}

// run blocks in the read pump; the write pump runs on its own goroutine.
func (s *session) run(ctx context.Context) {
	go s.writePump()
	s.readPump(ctx)
}

func (s *session) disconnect() {
	s.disconnectOnce.Do(func() {
		s.hub.Disconnect(s.conn)
	})
}

func (s *session) readPump(ctx context.Context) {
	defer func() {
		s.disconnect()
		_ = s.ws.Close()
	}()

	pongWait := s.hub.opts.PongWait
	s.ws.SetReadLimit(s.hub.opts.MaxMessageBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, msg, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Warnw("session: read failed", "error", err)
			} else {
				s.log.Debugw("session: closed by peer", "error", err)
			}
			return
		}
		if s.conn.State() == StateClosed {
			// Removed by the hub; the write pump is flushing and will close
			// the socket.
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		// Sequential on purpose: frames from one connection are persisted
		// and broadcast in arrival order. Failures are logged by the hub.
		_ = s.hub.Ingest(ctx, msg, s.conn)
	}
}

func (s *session) writePump() {
	writeWait := s.hub.opts.WriteWait
	ticker := time.NewTicker(s.hub.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-s.conn.Messages():
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Removed by the hub.
				_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.writeFailed(err)
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.writeFailed(err)
				return
			}
		}
	}
}

func (s *session) writeFailed(err error) {
	if isClosedTransport(err) {
		s.log.Debugw("session: transport already closed", "error", err)
	} else {
		s.log.Warnw("session: write failed", "error", err)
	}
	s.disconnect()
}

func isClosedTransport(err error) bool {
	var ce *websocket.CloseError
	return errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.As(err, &ce)
}

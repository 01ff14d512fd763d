package hub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is a connection's lifecycle position. Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one hub member: an identity plus a bounded outbound queue. The
// queue is only ever sent to and closed while holding the hub mutex.
type Conn struct {
	ID       uuid.UUID
	Protocol string

	send      chan []byte
	state     atomic.Int32
	closeOnce sync.Once
}

func NewConn(protocol string, buf int) *Conn {
	return &Conn{
		ID:       uuid.New(),
		Protocol: protocol,
		send:     make(chan []byte, buf),
	}
}

func (c *Conn) State() State { return State(c.state.Load()) }

// Messages yields broadcast frames until the hub closes the connection.
func (c *Conn) Messages() <-chan []byte { return c.send }

func (c *Conn) String() string {
	if c == nil {
		return "-"
	}
	return c.ID.String()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.send)
	})
}

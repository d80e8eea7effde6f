package websocket

import (
	"context"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/relay/internal/domain"
)

const transportName = "websocket"

// ConnOptions tunes one socket.
type ConnOptions struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
}

// DefaultConnOptions mirrors the configuration defaults.
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		SendBuffer:      16,
		WriteTimeout:    5 * time.Second,
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		MaxMessageBytes: 64 << 10,
	}
}

type outbound struct {
	frame  []byte
	result chan error
}

// Conn is the domain.Handle of a gorilla socket. A single writer goroutine
// owns every write; Send hands it frames through a bounded queue.
type Conn struct {
	domain.StateMachine

	socket *ws.Conn
	clock  clockwork.Clock
	opts   ConnOptions

	sendChannel chan outbound
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

var _ domain.Handle = (*Conn)(nil)

func newConn(socket *ws.Conn, clock clockwork.Clock, opts ConnOptions) *Conn {
	c := &Conn{
		socket:      socket,
		clock:       clock,
		opts:        opts,
		sendChannel: make(chan outbound, opts.SendBuffer),
		doneChannel: make(chan struct{}),
	}
	if opts.MaxMessageBytes > 0 {
		socket.SetReadLimit(opts.MaxMessageBytes)
	}
	c.configurePongHandler()
	c.Open()

	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Conn) Transport() string { return transportName }

// Send queues frame and waits for the write to finish. A full queue means
// the peer cannot keep up: the socket is closed and ErrSendBufferFull
// returned.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if !c.IsOpen() {
		return domain.ErrConnectionClosed
	}

	req := outbound{frame: frame, result: make(chan error, 1)}
	select {
	case c.sendChannel <- req:
	case <-c.doneChannel:
		return domain.ErrConnectionClosed
	default:
		c.Closing()
		c.halt()
		return domain.ErrSendBufferFull
	}

	select {
	case err := <-req.result:
		return err
	case <-c.doneChannel:
		select {
		case err := <-req.result:
			return err
		default:
			return domain.ErrConnectionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) run() {
	ticker := c.clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	defer c.wg.Done()

	for {
		select {
		case req := <-c.sendChannel:
			c.updateWriteDeadline()
			err := c.socket.WriteMessage(ws.TextMessage, req.frame)
			req.result <- err
			if err != nil {
				c.Closing()
				c.halt()
				return
			}
		case <-ticker.Chan():
			c.updateWriteDeadline()
			if err := c.socket.WriteMessage(ws.PingMessage, nil); err != nil {
				c.Closing()
				c.halt()
				return
			}
		case <-c.doneChannel:
			return
		}
	}
}

// read blocks for the next inbound payload.
func (c *Conn) read() ([]byte, error) {
	_, payload, err := c.socket.ReadMessage()
	return payload, err
}

// halt stops the writer and closes the socket without waiting. The read
// loop then fails and runs the disconnect path.
func (c *Conn) halt() {
	c.stopOnce.Do(func() {
		close(c.doneChannel)
		_ = c.socket.Close()
	})
}

func (c *Conn) stop() {
	c.halt()
	c.wg.Wait()
}

// Close sends a normal-closure close frame carrying reason and then closes
// the socket.
func (c *Conn) Close(reason string) {
	c.Closing()
	c.stopOnce.Do(func() {
		close(c.doneChannel)

		// the writer must be gone before we write the close frame
		c.wg.Wait()

		msg := ws.FormatCloseMessage(ws.CloseNormalClosure, reason)
		c.updateWriteDeadline()
		_ = c.socket.WriteMessage(ws.CloseMessage, msg)
		_ = c.socket.Close()
	})
}

func (c *Conn) configurePongHandler() {
	c.updateReadDeadline()
	c.socket.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		return nil
	})
}

// Socket deadlines are wall-clock; the injected clock only drives pings.
func (c *Conn) updateWriteDeadline() {
	_ = c.socket.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
}

func (c *Conn) updateReadDeadline() {
	_ = c.socket.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
}

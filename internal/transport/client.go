package transport

import (
	"context"
	"sync"
	"time"

	"github.com/joescharf/crew/internal/errs"
)

// Conn is the write side of a client connection.
type Conn interface {
	Send(ctx context.Context, f ServerFrame) error
	Close() error
}

// Client is one connected viewer. Frames are queued on a bounded channel
// and written by a dedicated goroutine; a client that stays full for longer
// than the write timeout is disconnected.
type Client struct {
	hub  *Hub
	conn Conn

	out       chan ServerFrame
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	attached map[string]struct{}
}

// Connect registers conn with the hub and starts its writer.
func (h *Hub) Connect(conn Conn) *Client {
	c := &Client{
		hub:      h,
		conn:     conn,
		out:      make(chan ServerFrame, h.cfg.ClientBuffer),
		done:     make(chan struct{}),
		attached: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	return c
}

// Push sends a frame that is not tied to a session, such as an activity
// entry, to every client.
func (h *Hub) Push(f ServerFrame) {
	h.broadcast(f)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Done is closed when the client is disconnected.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close disconnects the client. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		_ = c.conn.Close()
	})
}

// Send queues a frame for this client only.
func (c *Client) Send(f ServerFrame) { c.enqueue(f) }

func (c *Client) enqueue(f ServerFrame) {
	select {
	case <-c.done:
		return
	case c.out <- f:
		return
	default:
	}

	t := time.NewTimer(c.hub.cfg.WriteTimeout)
	defer t.Stop()
	select {
	case <-c.done:
	case c.out <- f:
	case <-t.C:
		c.hub.logger.Warn("disconnecting slow client", "buffer", cap(c.out))
		c.Close()
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.WriteTimeout)
			err := c.conn.Send(ctx, f)
			cancel()
			if err != nil {
				c.hub.logger.Debug("client write failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// attach marks a session as one this client is viewing.
func (c *Client) attach(sessionID string) {
	c.mu.Lock()
	c.attached[sessionID] = struct{}{}
	c.mu.Unlock()
}

// ackTargets returns the sessions a count-only ack applies to: the ones
// this client is viewing, or every session when it has not picked any.
func (c *Client) ackTargets() []*Session {
	c.mu.Lock()
	ids := make([]string, 0, len(c.attached))
	for id := range c.attached {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	if len(ids) == 0 {
		return c.hub.sessionList()
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, err := c.hub.Session(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// Ack records that the client has received every chunk of the session up
// to seq.
func (c *Client) Ack(sessionID string, seq int64) error {
	s, err := c.hub.Session(sessionID)
	if err != nil {
		return err
	}
	c.attach(sessionID)
	s.Ack(seq)
	return nil
}

// Replay sends the retained chunks after the session's acknowledged
// watermark.
func (c *Client) Replay(sessionID string) error {
	s, err := c.hub.Session(sessionID)
	if err != nil {
		return err
	}
	c.attach(sessionID)
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	c.enqueue(scrollbackFrame(sessionID, s.Scrollback(s.Acked())))
	return nil
}

// Handle dispatches one frame received from the client. Errors are also
// reported to the client as terminal:error frames.
func (c *Client) Handle(f ClientFrame) error {
	err := c.handle(f)
	if err != nil {
		c.enqueue(errorFrame(f.SessionID, err))
	}
	return err
}

func (c *Client) handle(f ClientFrame) error {
	switch f.Type {
	case TypeInput:
		if err := c.hub.Input(f.SessionID, f.Data, f.SendEnter); err != nil {
			return err
		}
		c.attach(f.SessionID)
		return nil
	case TypeResize:
		if err := c.hub.Resize(f.SessionID, f.Cols, f.Rows); err != nil {
			return err
		}
		c.attach(f.SessionID)
		return nil
	case TypeRequestScrollback:
		return c.Replay(f.SessionID)
	case TypeAck:
		if f.Count == nil {
			return errs.InvalidInput("ack without count")
		}
		if f.SessionID != "" {
			return c.Ack(f.SessionID, *f.Count)
		}
		for _, s := range c.ackTargets() {
			s.Ack(*f.Count)
		}
		return nil
	default:
		return errs.InvalidInput("unknown frame type %q", f.Type)
	}
}

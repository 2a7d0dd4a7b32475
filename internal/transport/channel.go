package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/relayctl/internal/protocol/frame"
)

// Channel is one established connection carrying relay frames.
type Channel struct {
	conn         net.Conn
	reader       *bufio.Reader
	limits       frame.Limits
	maxMessage   uint64
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	consumed  atomic.Bool
}

// NewChannel wraps an already handshaken connection. reader must be the
// reader used during the handshake. maxMessageSize of 0 means unlimited.
func NewChannel(conn net.Conn, reader *bufio.Reader, maxMessageSize uint64) *Channel {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	return &Channel{
		conn:       conn,
		reader:     reader,
		limits:     frame.LimitsForMessageSize(maxMessageSize),
		maxMessage: maxMessageSize,
	}
}

func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes one encoded frame. Concurrent callers are serialized.
func (c *Channel) Send(b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.maxMessage > 0 && uint64(len(b)) > c.maxMessage {
		return fmt.Errorf("%w: outbound %d > %d", ErrMessageTooLarge, len(b), c.maxMessage)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(b); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Frames returns the inbound frame sequence. The sequence ends after the
// first error, which is yielded with a zero frame; it cannot be restarted.
// An inbound frame over the message size limit yields ErrMessageTooLarge.
func (c *Channel) Frames() iter.Seq2[frame.Frame, error] {
	return func(yield func(frame.Frame, error) bool) {
		if !c.consumed.CompareAndSwap(false, true) {
			yield(frame.Frame{}, ErrFramesConsumed)
			return
		}
		for {
			f, err := frame.ReadFrame(c.reader, c.limits)
			if err != nil {
				yield(frame.Frame{}, c.readError(err))
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (c *Channel) readError(err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	switch {
	case errors.Is(err, frame.ErrPayloadTooLarge), errors.Is(err, frame.ErrAuthTooLarge):
		return fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
	case errors.Is(err, io.EOF):
		return fmt.Errorf("transport: connection closed by peer: %w", err)
	default:
		return err
	}
}

// Close releases the connection. It is safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

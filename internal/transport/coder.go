package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/coder/websocket"
)

// CoderDialer dials with github.com/coder/websocket.
type CoderDialer struct {
	// MaxMessageSize is the read limit. Defaults to DefaultMaxMessageSize;
	// the library default of 32 KiB is far too small for audio deltas.
	MaxMessageSize int64
}

// Dial implements Dialer.
func (d *CoderDialer) Dial(ctx context.Context, url string, auth Auth) (Channel, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:   auth.Headers(),
		Subprotocols: auth.Subprotocols(),
	})
	if err != nil {
		return nil, handshakeError(resp, err)
	}

	limit := d.MaxMessageSize
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	conn.SetReadLimit(limit)
	return &coderChannel{conn: conn}, nil
}

type coderChannel struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *coderChannel) Send(ctx context.Context, msg []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return c.wrap(err)
	}
	return nil
}

func (c *coderChannel) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, c.wrap(err)
	}
	return data, nil
}

func (c *coderChannel) Close() error {
	c.closeOnce.Do(func() {
		err := c.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
			c.closeErr = fmt.Errorf("transport: close: %w", err)
		}
	})
	return c.closeErr
}

// wrap maps close frames to ErrClosed.
func (c *coderChannel) wrap(err error) error {
	if websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return fmt.Errorf("transport: %w", err)
}

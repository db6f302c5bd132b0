package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGracePeriod bounds the write of the close frame.
const closeGracePeriod = 2 * time.Second

// GorillaDialer dials with github.com/gorilla/websocket.
type GorillaDialer struct {
	// HandshakeTimeout defaults to DefaultDialTimeout.
	HandshakeTimeout time.Duration

	// MaxMessageSize is the read limit. Defaults to DefaultMaxMessageSize.
	MaxMessageSize int64
}

// Dial implements Dialer.
func (d *GorillaDialer) Dial(ctx context.Context, url string, auth Auth) (Channel, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     auth.Subprotocols(),
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	conn, resp, err := dialer.DialContext(ctx, url, auth.Headers())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, handshakeError(resp, err)
	}

	limit := d.MaxMessageSize
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	conn.SetReadLimit(limit)
	return &gorillaChannel{conn: conn, done: make(chan struct{})}, nil
}

// gorillaChannel adapts a gorilla connection. gorilla allows one concurrent
// writer, and its reads take no context, so cancellation closes the socket.
type gorillaChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (c *gorillaChannel) Send(ctx context.Context, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return c.wrap(err)
	}
	return nil
}

func (c *gorillaChannel) Recv(ctx context.Context) ([]byte, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		case <-c.done:
		}
	}()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.wrap(err)
	}
	return data, nil
}

func (c *gorillaChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("transport: close: %w", cerr)
		}
	})
	return err
}

func (c *gorillaChannel) wrap(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	select {
	case <-c.done:
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
	}
	return fmt.Errorf("transport: %w", err)
}

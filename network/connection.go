package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// ConnOptions controls runtime behavior of Conn.
type ConnOptions struct {
	JID               string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   bool
}

// Conn is one authenticated framed stream. Keep-alive frames are answered
// internally; everything else is queued for ReceiveMessage.
type Conn struct {
	conn net.Conn
	jid  string

	sendMu sync.Mutex

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration
	autoRespondPing   bool

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConn(conn net.Conn, options ConnOptions) *Conn {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}
	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	c := &Conn{
		conn:              conn,
		jid:               options.JID,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		autoRespondPing:   options.AutoRespondPing,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
	}

	c.touchActivity()
	go c.readLoop()
	go c.keepAliveLoop()
	return c
}

// JID returns the authenticated address of this stream.
func (c *Conn) JID() string {
	return c.jid
}

// Done is closed when the connection is fully closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any. A clean close
// leaves it nil.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// SendMessage marshals a protocol message and writes it as one frame.
func (c *Conn) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame.
func (c *Conn) SendRaw(payload []byte) error {
	select {
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return err
		}
		return io.EOF
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := WriteFrame(c.conn, payload); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	c.touchActivity()
	return nil
}

// ReceiveMessage waits for the next non-keepalive inbound frame.
func (c *Conn) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.closed:
		// Drain what the read loop queued before closing.
		select {
		case payload := <-c.inbound:
			return payload, nil
		default:
		}
		if err := c.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect announces a graceful teardown and closes the stream.
func (c *Conn) Disconnect() error {
	_ = c.SendMessage(DisconnectMessage{Type: TypeDisconnect})
	return c.Close()
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) readLoop() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(c.conn, c.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		c.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypePing:
			if c.autoRespondPing {
				_ = c.SendMessage(PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
			}
		case TypePong:
			c.ackPong()
		case TypeDisconnect:
			c.closeWithError(nil)
			return
		default:
			select {
			case c.inbound <- payload:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Conn) keepAliveLoop() {
	checkEvery := c.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.waitingPongExpired() {
				c.closeWithError(ErrPongTimeout)
				return
			}
			if time.Since(time.Unix(0, c.lastActivity.Load())) < c.keepAliveInterval || c.isWaitingPong() {
				continue
			}
			if err := c.SendMessage(PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
			c.setWaitingPong(time.Now().Add(c.keepAliveTimeout))
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Conn) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Conn) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Conn) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
	})
}

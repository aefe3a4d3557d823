package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Link is one duplex connection to the dialog server. Next is called from a
// single reader goroutine; the write methods may be called concurrently.
type Link interface {
	// Next returns the next message fragment.
	Next(ctx context.Context) (Fragment, error)

	// WriteText sends one text message.
	WriteText(ctx context.Context, data []byte) error

	// WriteBinary sends one binary message.
	WriteBinary(ctx context.Context, data []byte) error

	// Close closes the connection. Safe to call more than once.
	Close(reason string) error
}

// Dialer opens links.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Link, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, url string, header http.Header) (Link, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Link, error) {
	return f(ctx, url, header)
}

const (
	// fragmentSize bounds the payload of one fragment read from a message.
	fragmentSize = 4096

	// readLimit bounds one incoming WebSocket message.
	readLimit = 1 << 20
)

// WebSocketDialer dials links with coder/websocket.
type WebSocketDialer struct {
	// HTTPClient is used for the upgrade request. Nil means the default.
	HTTPClient *http.Client
}

var _ Dialer = WebSocketDialer{}

// Dial implements [Dialer].
func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Link, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("stream: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return NewWebSocketLink(conn), nil
}

// wsLink exposes a websocket.Conn as a fragment stream. Each message is read
// in pieces of at most fragmentSize bytes: the first piece carries the message
// type, later pieces are continuations, and the last is final.
type wsLink struct {
	conn *websocket.Conn

	// reader state, owned by the Next caller
	cur   io.Reader
	first bool
	op    Opcode
	buf   []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebSocketLink wraps an established connection.
func NewWebSocketLink(conn *websocket.Conn) Link {
	return &wsLink{conn: conn, buf: make([]byte, fragmentSize)}
}

func (l *wsLink) Next(ctx context.Context) (Fragment, error) {
	if l.cur == nil {
		typ, r, err := l.conn.Reader(ctx)
		if err != nil {
			return Fragment{}, err
		}
		l.cur = r
		l.first = true
		l.op = OpText
		if typ == websocket.MessageBinary {
			l.op = OpBinary
		}
	}

	n, err := io.ReadFull(l.cur, l.buf)
	final := false
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		final = true
	default:
		return Fragment{}, err
	}

	op := OpContinuation
	if l.first {
		op = l.op
		l.first = false
	}
	if final {
		l.cur = nil
	}
	return Fragment{
		Opcode:  op,
		Final:   final,
		Payload: append([]byte(nil), l.buf[:n]...),
	}, nil
}

func (l *wsLink) WriteText(ctx context.Context, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *wsLink) WriteBinary(ctx context.Context, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.Write(ctx, websocket.MessageBinary, data)
}

func (l *wsLink) Close(reason string) error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// NewWebSocketChannel returns a channel that carries the byte stream inside
// binary WebSocket messages, for servers fronted by a WebSocket gateway.
// Message boundaries are not significant; each message is one received chunk.
func NewWebSocketChannel(opts Options) *StreamChannel {
	opts = opts.withDefaults()
	return newStreamChannel("websocket", opts, func(ctx context.Context, addr string) (link, error) {
		url := fmt.Sprintf("ws://%s%s", addr, opts.Path)

		conn, br, _, err := ws.Dialer{}.Dial(ctx, url)
		if err != nil {
			return nil, err
		}

		var r io.Reader = conn
		if br != nil {
			r = io.MultiReader(br, conn)
		}
		return &wsLink{conn: conn, rw: readWriter{Reader: r, Writer: conn}}, nil
	})
}

type readWriter struct {
	io.Reader
	io.Writer
}

type wsLink struct {
	conn net.Conn
	rw   io.ReadWriter
}

func (l *wsLink) Read() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadServerData(l.rw)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return nil, io.EOF
			}
			return nil, err
		}
		if op == ws.OpBinary && len(data) > 0 {
			return data, nil
		}
	}
}

func (l *wsLink) Write(deadline time.Time, data []byte) error {
	l.conn.SetWriteDeadline(deadline)
	return wsutil.WriteClientBinary(l.conn, data)
}

func (l *wsLink) Close() error {
	_ = wsutil.WriteClientMessage(l.conn, ws.OpClose, nil)
	return l.conn.Close()
}

func (l *wsLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

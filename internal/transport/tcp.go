package transport

import (
	"context"
	"net"
	"time"
)

// NewTCPChannel returns a channel that dials plain TCP connections.
func NewTCPChannel(opts Options) *StreamChannel {
	opts = opts.withDefaults()
	return newStreamChannel("tcp", opts, func(ctx context.Context, addr string) (link, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		return &tcpLink{conn: conn, buf: make([]byte, opts.ReadBufferSize)}, nil
	})
}

// tcpLink delivers whatever each Read returns as one chunk.
type tcpLink struct {
	conn net.Conn
	buf  []byte
}

func (l *tcpLink) Read() ([]byte, error) {
	n, err := l.conn.Read(l.buf)
	if n == 0 {
		return nil, err
	}
	chunk := make([]byte, n)
	copy(chunk, l.buf[:n])
	return chunk, err
}

func (l *tcpLink) Write(deadline time.Time, data []byte) error {
	l.conn.SetWriteDeadline(deadline)
	_, err := l.conn.Write(data)
	return err
}

func (l *tcpLink) Close() error {
	return l.conn.Close()
}

func (l *tcpLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

package proxy

import (
	"bufio"
	"net"
)

// BufferedConn connection wrapper that replays bytes read ahead of the caller
type BufferedConn struct {
	net.Conn
	Buf []byte
	Pos int
}

// Read implements io.Reader interface
func (bc *BufferedConn) Read(b []byte) (n int, err error) {
	if bc.Pos < len(bc.Buf) {
		n = copy(b, bc.Buf[bc.Pos:])
		bc.Pos += n
		return n, nil
	}
	return bc.Conn.Read(b)
}

// WithBufferedReader returns conn, or a BufferedConn that first yields whatever
// r has already buffered from conn (e.g. frames a client sent right behind its
// upgrade request before the connection was hijacked).
func WithBufferedReader(conn net.Conn, r *bufio.Reader) net.Conn {
	if r == nil || r.Buffered() == 0 {
		return conn
	}
	head, err := r.Peek(r.Buffered())
	if err != nil {
		return conn
	}
	return &BufferedConn{Conn: conn, Buf: append([]byte(nil), head...)}
}

package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edge-gateway/pkg/logging"
)

var proxyProtoV2Sig = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}

const (
	proxyProtoV1MaxLine = 107
	proxyProtoV2MaxLen  = 4096
)

var errProxyProtoHeader = errors.New("invalid PROXY protocol header")

// proxyProtoListener accepts connections that may start with a HAProxy PROXY
// protocol (v1/v2) header. The header is stripped and its source address is
// reported as the connection's RemoteAddr. Connections without a header pass
// through unchanged.
type proxyProtoListener struct {
	net.Listener
	readTimeout time.Duration
	gateway     *Gateway
}

func newProxyProtoListener(l net.Listener, readTimeout time.Duration, g *Gateway) net.Listener {
	return &proxyProtoListener{Listener: l, readTimeout: readTimeout, gateway: g}
}

func (l *proxyProtoListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &proxyProtoConn{Conn: c, readTimeout: l.readTimeout, gateway: l.gateway}, nil
}

// proxyProtoConn parses the header lazily on the first Read or RemoteAddr,
// which net/http calls from the connection's own goroutine, so Accept never
// blocks on a slow client.
type proxyProtoConn struct {
	net.Conn
	readTimeout time.Duration
	gateway     *Gateway

	once sync.Once
	br   *bufio.Reader
	src  net.Addr
	err  error
}

func (c *proxyProtoConn) init() {
	c.once.Do(func() {
		c.br = bufio.NewReaderSize(c.Conn, 512)
		if c.readTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
			defer c.Conn.SetReadDeadline(time.Time{})
		}
		src, info, err := stripProxyProtocol(c.br)
		remote := c.Conn.RemoteAddr().String()
		switch {
		case err == io.EOF:
			if c.gateway != nil {
				c.gateway.logAcceptEOF(remote)
			}
			c.err = err
		case errors.Is(err, errProxyProtoHeader):
			logging.Logf("[accept] PROXY header rejected remote=%s err=%v", remote, err)
			c.err = err
		case err != nil:
			logging.Debugf("[accept] initial read failed remote=%s err=%v", remote, err)
			c.err = err
		default:
			c.src = src
			if info != "" {
				logging.Debugf("[accept] %s remote=%s", info, remote)
			}
		}
	})
}

func (c *proxyProtoConn) Read(b []byte) (int, error) {
	c.init()
	if c.err != nil {
		return 0, c.err
	}
	return c.br.Read(b)
}

func (c *proxyProtoConn) RemoteAddr() net.Addr {
	c.init()
	if c.src != nil {
		return c.src
	}
	return c.Conn.RemoteAddr()
}

// stripProxyProtocol consumes a PROXY protocol v1/v2 header from r if one is
// present. src is nil when there is no header or it carries no usable address
// (UNKNOWN / LOCAL). info is a short description for debug logs.
func stripProxyProtocol(r *bufio.Reader) (src net.Addr, info string, err error) {
	first, err := r.Peek(1)
	if err != nil {
		return nil, "", err
	}
	switch first[0] {
	case 'P':
		head, err := r.Peek(6)
		if err != nil || !bytes.Equal(head, []byte("PROXY ")) {
			// Not a header (e.g. "PUT /"); leave the bytes for the caller.
			return nil, "", nil
		}
		return readProxyProtoV1(r)
	case proxyProtoV2Sig[0]:
		head, err := r.Peek(len(proxyProtoV2Sig))
		if err != nil || !bytes.Equal(head, proxyProtoV2Sig) {
			return nil, "", nil
		}
		return readProxyProtoV2(r)
	}
	return nil, "", nil
}

// PROXY protocol v1: "PROXY TCP4 1.1.1.1 2.2.2.2 123 456\r\n"
func readProxyProtoV1(r *bufio.Reader) (net.Addr, string, error) {
	var line []byte
	for len(line) <= proxyProtoV1MaxLine {
		b, err := r.ReadByte()
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", errProxyProtoHeader, err)
		}
		line = append(line, b)
		if b == '\n' {
			break
		}
	}
	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return nil, "", fmt.Errorf("%w: v1 line too long or not CRLF terminated", errProxyProtoHeader)
	}

	// parts: PROXY TCP4 src dst sport dport
	parts := strings.Fields(string(line[:len(line)-2]))
	if len(parts) >= 2 && parts[1] == "UNKNOWN" {
		return nil, "proxyproto=v1 proto=UNKNOWN", nil
	}
	if len(parts) != 6 || (parts[1] != "TCP4" && parts[1] != "TCP6") {
		return nil, "", fmt.Errorf("%w: v1 %q", errProxyProtoHeader, string(line))
	}
	ip := net.ParseIP(parts[2])
	port, err := strconv.Atoi(parts[4])
	if ip == nil || err != nil || port < 0 || port > 65535 {
		return nil, "", fmt.Errorf("%w: v1 source %s:%s", errProxyProtoHeader, parts[2], parts[4])
	}
	src := &net.TCPAddr{IP: ip, Port: port}
	info := fmt.Sprintf("proxyproto=v1 src=%s:%s dst=%s:%s", parts[2], parts[4], parts[3], parts[5])
	return src, info, nil
}

// PROXY protocol v2: 12-byte signature, ver/cmd, fam/proto, 2-byte length, addresses.
func readProxyProtoV2(r *bufio.Reader) (net.Addr, string, error) {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, "", fmt.Errorf("%w: v2 header: %v", errProxyProtoHeader, err)
	}
	verCmd := hdr[12]
	famProto := hdr[13]
	l := int(hdr[14])<<8 | int(hdr[15])
	if verCmd>>4 != 0x2 {
		return nil, "", fmt.Errorf("%w: v2 version %d", errProxyProtoHeader, verCmd>>4)
	}
	if l > proxyProtoV2MaxLen {
		return nil, "", fmt.Errorf("%w: v2 length %d", errProxyProtoHeader, l)
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, "", fmt.Errorf("%w: v2 addresses: %v", errProxyProtoHeader, err)
	}

	// LOCAL command (health checks from the balancer itself) keeps the real peer.
	if verCmd&0x0F == 0x0 {
		return nil, "proxyproto=v2 cmd=LOCAL", nil
	}

	var src, dst *net.TCPAddr
	switch famProto >> 4 {
	case 0x1: // AF_INET: 4+4+2+2
		if l >= 12 {
			src = &net.TCPAddr{IP: net.IP(b[0:4]), Port: int(b[8])<<8 | int(b[9])}
			dst = &net.TCPAddr{IP: net.IP(b[4:8]), Port: int(b[10])<<8 | int(b[11])}
		}
	case 0x2: // AF_INET6: 16+16+2+2
		if l >= 36 {
			src = &net.TCPAddr{IP: net.IP(b[0:16]), Port: int(b[32])<<8 | int(b[33])}
			dst = &net.TCPAddr{IP: net.IP(b[16:32]), Port: int(b[34])<<8 | int(b[35])}
		}
	}
	if src == nil {
		return nil, "proxyproto=v2 parsed=true", nil
	}
	return src, fmt.Sprintf("proxyproto=v2 src=%s dst=%s", src, dst), nil
}

func (g *Gateway) logAcceptEOF(remote string) {
	if !logging.DebugEnabled() {
		return
	}
	now := time.Now()

	g.acceptEOFLock.Lock()
	defer g.acceptEOFLock.Unlock()

	// Log at most once per 5s; count suppressed events.
	const window = 5 * time.Second
	if !g.acceptEOFLastLogAt.IsZero() && now.Sub(g.acceptEOFLastLogAt) < window {
		g.acceptEOFSuppressed++
		return
	}

	if g.acceptEOFSuppressed > 0 {
		logging.Debugf("[accept] initial read EOF remote=%s suppressed=%d last=%s",
			remote, g.acceptEOFSuppressed, now.Sub(g.acceptEOFLastLogAt).Truncate(time.Second))
	} else {
		logging.Debugf("[accept] initial read EOF remote=%s", remote)
	}

	g.acceptEOFSuppressed = 0
	g.acceptEOFLastLogAt = now
}

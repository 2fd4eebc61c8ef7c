package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/edge-gateway/pkg/config"
	"github.com/edge-gateway/pkg/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func v2Header(cmd byte, src, dst *net.TCPAddr) []byte {
	b := append([]byte(nil), proxyProtoV2Sig...)
	b = append(b, 0x20|cmd, 0x11) // v2, AF_INET + STREAM
	addr := make([]byte, 12)
	copy(addr[0:4], src.IP.To4())
	copy(addr[4:8], dst.IP.To4())
	binary.BigEndian.PutUint16(addr[8:10], uint16(src.Port))
	binary.BigEndian.PutUint16(addr[10:12], uint16(dst.Port))
	b = binary.BigEndian.AppendUint16(b, uint16(len(addr)))
	return append(b, addr...)
}

func TestStripProxyProtocol(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("203.0.113.7").To4(), Port: 51000}
	dst := &net.TCPAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 443}

	cases := []struct {
		name    string
		in      string
		wantSrc string
		rest    string
	}{
		{"none", "GET / HTTP/1.1\r\n", "", "GET / HTTP/1.1\r\n"},
		{"put is not a header", "PUT /x HTTP/1.1\r\n", "", "PUT /x HTTP/1.1\r\n"},
		{"v1 tcp4", "PROXY TCP4 203.0.113.7 10.0.0.1 51000 443\r\nGET /", "203.0.113.7:51000", "GET /"},
		{"v1 tcp6", "PROXY TCP6 2001:db8::1 2001:db8::2 4000 443\r\nGET /", "[2001:db8::1]:4000", "GET /"},
		{"v1 unknown", "PROXY UNKNOWN\r\nGET /", "", "GET /"},
		{"v2 proxy", string(v2Header(0x1, src, dst)) + "GET /", "203.0.113.7:51000", "GET /"},
		{"v2 local", string(v2Header(0x0, src, dst)) + "GET /", "", "GET /"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tc.in))
			addr, _, err := stripProxyProtocol(r)
			require.NoError(t, err)
			if tc.wantSrc == "" {
				assert.Nil(t, addr)
			} else {
				require.NotNil(t, addr)
				assert.Equal(t, tc.wantSrc, addr.String())
			}
			rest, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tc.rest, string(rest))
		})
	}
}

func TestStripProxyProtocolRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"PROXY TCP4 not-an-ip 10.0.0.1 1 2\r\n",
		"PROXY TCP4 1.2.3.4\r\n",
		"PROXY TCP4 1.2.3.4 5.6.7.8 1 2\n",
		"PROXY " + strings.Repeat("x", 200) + "\r\n",
	} {
		_, _, err := stripProxyProtocol(bufio.NewReader(strings.NewReader(in)))
		assert.ErrorIs(t, err, errProxyProtoHeader, in)
	}
}

func TestProxyProtoConnReportsSource(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := &proxyProtoConn{Conn: server, readTimeout: time.Second}
	defer conn.Close()

	go func() {
		_, _ = client.Write([]byte("PROXY TCP4 198.51.100.4 10.0.0.1 40000 8443\r\nhello"))
	}()

	assert.Equal(t, "198.51.100.4:40000", conn.RemoteAddr().String())
	buf := make([]byte, 5)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestServeWithProxyProtocol(t *testing.T) {
	seen := make(chan string, 1)
	b := newBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("X-Forwarded-For")
	}))

	cfg := &config.Config{Routes: []routing.Route{b.route(t, "accounts", false)}}
	cfg.SetDefaults()
	cfg.Gateway.ProxyProtocol = true
	cfg.Proxy.XForwarded = true
	table, err := cfg.RouteTable()
	require.NoError(t, err)
	g, err := NewGateway(cfg, table)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = g.Serve(ctx, ln, nil) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, "PROXY TCP4 198.51.100.9 10.0.0.1 40000 8443\r\n"+
		"GET /accounts/me HTTP/1.1\r\nHost: gateway\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "198.51.100.9", <-seen)
}

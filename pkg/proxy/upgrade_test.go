package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edge-gateway/pkg/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUpgradeRequest(t *testing.T) {
	cases := []struct {
		connection string
		upgrade    string
		want       bool
	}{
		{"Upgrade", "websocket", true},
		{"keep-alive, Upgrade", "websocket", true},
		{"upgrade", "h2c", true},
		{"keep-alive", "websocket", false},
		{"Upgrade", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)
		if tc.connection != "" {
			r.Header.Set("Connection", tc.connection)
		}
		if tc.upgrade != "" {
			r.Header.Set("Upgrade", tc.upgrade)
		}
		assert.Equal(t, tc.want, IsUpgradeRequest(r), "%q/%q", tc.connection, tc.upgrade)
	}
}

func TestWriteHandshake(t *testing.T) {
	f := NewForwarder(nil, Options{DialTimeout: time.Second})
	route := routing.Route{Name: "chat", Scheme: "http", Host: "chat-service", Port: 3001, Upgrade: true}

	in := httptest.NewRequest(http.MethodGet, "/chat/socket/room%2F1?token=abc", nil)
	in.Header.Set("Connection", "Upgrade")
	in.Header.Set("Upgrade", "websocket")
	in.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	in.Header.Set("Sec-WebSocket-Version", "13")
	in.Header.Set("Cookie", "sid=1")

	gw, backend := net.Pipe()
	defer backend.Close()
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.WriteHandshake(gw, in, route, "/socket/room%2F1")
		_ = gw.Close()
	}()

	got, err := http.ReadRequest(bufio.NewReader(backend))
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/socket/room%2F1?token=abc", got.RequestURI)
	assert.Equal(t, "chat-service:3001", got.Host)
	assert.Equal(t, "Upgrade", got.Header.Get("Connection"))
	assert.Equal(t, "websocket", got.Header.Get("Upgrade"))
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", got.Header.Get("Sec-WebSocket-Key"))
	assert.Equal(t, "sid=1", got.Header.Get("Cookie"))
	assert.Empty(t, got.Header.Get("User-Agent"), "no user agent is injected")
	assert.Empty(t, got.Header.Get("X-Forwarded-For"))
}

func TestWriteHandshakeXForwarded(t *testing.T) {
	f := NewForwarder(nil, Options{XForwarded: true})
	route := routing.Route{Name: "game", Scheme: "http", Host: "game-service", Port: 8080}

	in := httptest.NewRequest(http.MethodGet, "/game/", nil)
	in.RemoteAddr = "10.1.2.3:5555"
	in.Header.Set("X-Forwarded-For", "192.0.2.1")

	gw, backend := net.Pipe()
	defer backend.Close()
	go func() {
		_ = f.WriteHandshake(gw, in, route, "/")
		_ = gw.Close()
	}()

	got, err := http.ReadRequest(bufio.NewReader(backend))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1, 10.1.2.3", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", got.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "/", got.RequestURI)
}

func TestDialBackend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			_, _ = c.Write([]byte("hi"))
			_ = c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	f := NewForwarder(nil, Options{DialTimeout: time.Second})
	conn, err := f.DialBackend(context.Background(), routing.Route{Name: "x", Scheme: "http", Host: "127.0.0.1", Port: addr.Port})
	require.NoError(t, err)
	defer conn.Close()
	b, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(b))
}

func TestDialBackendTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	route := routeFor(t, "secure", srv.URL)
	f := NewForwarder(nil, Options{DialTimeout: time.Second})

	_, err := f.DialBackend(context.Background(), route)
	require.Error(t, err, "self-signed certificate must be rejected")
	reason, status := ClassifyError(context.Background(), err)
	assert.Equal(t, ReasonBackendTLS, reason)
	assert.Equal(t, http.StatusBadGateway, status)

	route.InsecureSkipVerify = true
	conn, err := f.DialBackend(context.Background(), route)
	require.NoError(t, err)
	defer conn.Close()
	_, ok := conn.(*tls.Conn)
	assert.True(t, ok)
}

func TestClassifyError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reason, status := ClassifyError(ctx, errors.New("anything"))
	assert.Equal(t, ReasonClientCanceled, reason)
	assert.Equal(t, StatusClientClosedRequest, status)

	reason, status = ClassifyError(context.Background(), context.DeadlineExceeded)
	assert.Equal(t, ReasonBackendTimeout, reason)
	assert.Equal(t, http.StatusGatewayTimeout, status)

	reason, status = ClassifyError(context.Background(), &net.OpError{Op: "dial", Err: errors.New("connection refused")})
	assert.Equal(t, ReasonBackendUnreachable, reason)
	assert.Equal(t, http.StatusBadGateway, status)

	reason, _ = ClassifyError(context.Background(), tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"})
	assert.Equal(t, ReasonBackendTLS, reason)
}

func TestWithBufferedReader(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() { _, _ = b.Write([]byte("GET / HTTP/1.1\r\n\r\nearly-frame")) }()
	br := bufio.NewReader(a)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "GET"))
	_, err = br.ReadString('\n')
	require.NoError(t, err)

	conn := WithBufferedReader(a, br)
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "early-frame", string(buf[:n]))

	assert.Same(t, a, WithBufferedReader(a, bufio.NewReader(a)))
}

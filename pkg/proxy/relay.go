package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Relay closure reasons.
const (
	CloseClient   = "client_closed"
	CloseBackend  = "backend_closed"
	CloseIdle     = "idle_timeout"
	CloseCanceled = "canceled"
	CloseIOError  = "io_error"
)

const relayBufferSize = 32 * 1024

const (
	sideClient  = "client"
	sideBackend = "backend"
)

// RelayStats describes a finished relay.
type RelayStats struct {
	BytesUp   int64 // client -> backend
	BytesDown int64 // backend -> client
	Duration  time.Duration
	Reason    string
	Err       error // first copy error, nil on a clean close
}

type copyResult struct {
	from string
	n    int64
	err  error
}

// activityWriter records the time of the last successful write.
type activityWriter struct {
	w    io.Writer
	last *atomic.Int64
}

func (a *activityWriter) Write(p []byte) (int, error) {
	n, err := a.w.Write(p)
	if n > 0 {
		a.last.Store(time.Now().UnixNano())
	}
	return n, err
}

// Relay copies bytes between client and backend in both directions until one
// side closes, a copy fails, nothing moves for idleTimeout (0 disables), or
// ctx is cancelled. Both connections are closed when Relay returns.
//
// Each direction uses a fixed buffer and blocking writes, so a slow reader
// stalls its writer instead of growing memory.
func Relay(ctx context.Context, client, backend net.Conn, idleTimeout time.Duration) RelayStats {
	start := time.Now()

	var lastActive atomic.Int64
	lastActive.Store(start.UnixNano())

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = backend.Close()
		})
	}
	defer closeBoth()

	results := make(chan copyResult, 2)
	pipe := func(dst, src net.Conn, from string) {
		buf := make([]byte, relayBufferSize)
		n, err := io.CopyBuffer(&activityWriter{w: dst, last: &lastActive}, src, buf)
		results <- copyResult{from: from, n: n, err: err}
	}
	go pipe(backend, client, sideClient)
	go pipe(client, backend, sideBackend)

	var idle <-chan time.Time
	if idleTimeout > 0 {
		ticker := time.NewTicker(idleCheckInterval(idleTimeout))
		defer ticker.Stop()
		idle = ticker.C
	}

	var stats RelayStats
	pending := 2
	record := func(r copyResult) {
		if r.from == sideClient {
			stats.BytesUp = r.n
		} else {
			stats.BytesDown = r.n
		}
	}

wait:
	for {
		select {
		case r := <-results:
			pending--
			record(r)
			stats.Err = r.err
			switch {
			case r.err != nil:
				stats.Reason = CloseIOError
			case r.from == sideClient:
				stats.Reason = CloseClient
			default:
				stats.Reason = CloseBackend
			}
			break wait
		case <-ctx.Done():
			stats.Reason = CloseCanceled
			break wait
		case now := <-idle:
			if now.Sub(time.Unix(0, lastActive.Load())) >= idleTimeout {
				stats.Reason = CloseIdle
				break wait
			}
		}
	}

	// Closing both sockets unblocks the remaining copy; its error is ours.
	closeBoth()
	for ; pending > 0; pending-- {
		record(<-results)
	}
	stats.Duration = time.Since(start)
	return stats
}

func idleCheckInterval(idle time.Duration) time.Duration {
	d := idle / 4
	if d > time.Second {
		d = time.Second
	}
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	return d
}

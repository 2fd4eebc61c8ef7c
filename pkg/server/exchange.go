package server

import (
	"net/http"
	"time"

	"github.com/edge-gateway/pkg/logging"
	"github.com/google/uuid"
)

// Phase of a proxied exchange. FAILED may follow any phase.
type Phase int

const (
	PhaseReceived Phase = iota
	PhaseRouted
	PhaseForwarding
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseReceived:
		return "RECEIVED"
	case PhaseRouted:
		return "ROUTED"
	case PhaseForwarding:
		return "FORWARDING"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// exchange pairs one inbound request with at most one backend connection.
// It is owned by the handling goroutine.
type exchange struct {
	id       string
	start    time.Time
	remote   string
	method   string
	path     string
	upgrade  bool
	service  string
	backend  string
	phase    Phase
	terminal bool
}

func newExchange(r *http.Request, upgrade bool) *exchange {
	ex := &exchange{
		id:      uuid.NewString(),
		start:   time.Now(),
		remote:  r.RemoteAddr,
		method:  r.Method,
		path:    r.URL.EscapedPath(),
		upgrade: upgrade,
		phase:   PhaseReceived,
	}
	logging.Debugf("[exchange] id=%s phase=%s remote=%s method=%s path=%q upgrade=%t",
		ex.id, ex.phase, ex.remote, ex.method, ex.path, ex.upgrade)
	return ex
}

// advance moves to the next phase. Transitions out of a terminal phase are ignored.
func (ex *exchange) advance(p Phase) {
	if ex.terminal || p <= ex.phase {
		return
	}
	ex.phase = p
	ex.terminal = p == PhaseCompleted
	logging.Debugf("[exchange] id=%s phase=%s service=%s backend=%s", ex.id, ex.phase, ex.service, ex.backend)
}

func (ex *exchange) fail(reason string, err error) {
	if ex.terminal {
		return
	}
	ex.phase = PhaseFailed
	ex.terminal = true
	logging.Debugf("[exchange] id=%s phase=%s service=%s reason=%s elapsed=%s err=%v",
		ex.id, ex.phase, ex.service, reason, time.Since(ex.start).Truncate(time.Microsecond), err)
}

func (ex *exchange) elapsed() time.Duration {
	return time.Since(ex.start)
}

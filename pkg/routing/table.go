package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoService is returned when a path carries no service segment.
	ErrNoService = errors.New("no service segment in path")
	// ErrUnknownService is returned when the service segment has no route.
	ErrUnknownService = errors.New("unknown service")
	// ErrInvalidRoute is returned by NewTable for malformed route definitions.
	ErrInvalidRoute = errors.New("invalid route")
)

// Table is the immutable service -> backend mapping. It is built once at
// startup and only read afterwards, so it is safe for concurrent use.
type Table struct {
	routes map[string]Route
	names  []string
}

// NewTable validates routes and builds a table. Names must be unique.
func NewTable(routes []Route) (*Table, error) {
	t := &Table{
		routes: make(map[string]Route, len(routes)),
		names:  make([]string, 0, len(routes)),
	}
	for i, r := range routes {
		r = r.normalize()
		if err := validate(r); err != nil {
			return nil, fmt.Errorf("route #%d (%q): %w", i, r.Name, err)
		}
		if _, exists := t.routes[r.Name]; exists {
			return nil, fmt.Errorf("route #%d: %w: duplicate name %q", i, ErrInvalidRoute, r.Name)
		}
		t.routes[r.Name] = r
		t.names = append(t.names, r.Name)
	}
	sort.Strings(t.names)
	return t, nil
}

func validate(r Route) error {
	if r.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRoute)
	}
	if strings.ContainsAny(r.Name, "/ \t\r\n?#") {
		return fmt.Errorf("%w: name must be a single path segment", ErrInvalidRoute)
	}
	if r.Scheme != SchemeHTTP && r.Scheme != SchemeHTTPS {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRoute, r.Scheme)
	}
	if r.Host == "" || strings.ContainsAny(r.Host, "/ ") {
		return fmt.Errorf("%w: bad host %q", ErrInvalidRoute, r.Host)
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidRoute, r.Port)
	}
	return nil
}

// Lookup returns the route for an exact, case-sensitive service name.
func (t *Table) Lookup(name string) (Route, bool) {
	r, ok := t.routes[name]
	return r, ok
}

// Resolve splits an escaped request path into its service segment and the
// remaining path, and looks the service up. The segment is matched as sent,
// without percent-decoding. The returned rest is still escaped.
func (t *Table) Resolve(escapedPath string) (Route, string, error) {
	seg, rest, ok := SplitServicePath(escapedPath)
	if !ok {
		return Route{}, "", ErrNoService
	}
	r, found := t.Lookup(seg)
	if !found {
		return Route{}, "", fmt.Errorf("%w: %q", ErrUnknownService, seg)
	}
	return r, rest, nil
}

// Routes returns a copy of all routes sorted by name.
func (t *Table) Routes() []Route {
	out := make([]Route, 0, len(t.names))
	for _, n := range t.names {
		out = append(out, t.routes[n])
	}
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.names)
}

package routing

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

func isPortNumber(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port > 0 && port < 65536
}

// ParseRouteString parses the comma-separated route string format (GATEWAY_ROUTES).
//
// Each item is name=target[+flag...]:
//  1. accounts=https://accounts-service:3000        -> https backend
//  2. game=game-service:8080+ws                     -> http backend, upgrades allowed
//  3. chat=https://10.0.0.5:3001+ws+insecure        -> https, upgrades, no cert verification
//  4. rooms=rooms-service                           -> http, port 80
//
// Flags: "ws" (or "upgrade") enables upgrades, "insecure" skips backend TLS verification.
// Routes are returned unvalidated; NewTable validates them.
func ParseRouteString(s string) ([]Route, error) {
	out := make([]Route, 0)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		idx := strings.Index(part, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("%w: %q: expected name=target", ErrInvalidRoute, part)
		}
		name := strings.TrimSpace(part[:idx])
		spec := strings.Split(strings.TrimSpace(part[idx+1:]), "+")

		r, err := parseTarget(spec[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRoute, part, err)
		}
		r.Name = name

		for _, flag := range spec[1:] {
			switch strings.ToLower(strings.TrimSpace(flag)) {
			case "ws", "upgrade":
				r.Upgrade = true
			case "insecure":
				r.InsecureSkipVerify = true
			default:
				return nil, fmt.Errorf("%w: %q: unknown flag %q", ErrInvalidRoute, part, flag)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// parseTarget parses [scheme://]host[:port].
func parseTarget(target string) (Route, error) {
	target = strings.TrimSpace(target)
	r := Route{Scheme: SchemeHTTP}
	if i := strings.Index(target, "://"); i != -1 {
		r.Scheme = strings.ToLower(target[:i])
		target = target[i+3:]
	}
	target = strings.TrimSuffix(target, "/")
	if target == "" {
		return r, fmt.Errorf("empty target")
	}

	host, port, err := net.SplitHostPort(target)
	if err != nil {
		// No port: the whole target is the host.
		r.Host = strings.Trim(target, "[]")
		r.Port = defaultPort(r.Scheme)
		return r, nil
	}
	if !isPortNumber(port) {
		return r, fmt.Errorf("bad port %q", port)
	}
	r.Host = host
	r.Port, _ = strconv.Atoi(port)
	return r, nil
}

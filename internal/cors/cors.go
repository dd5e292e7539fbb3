// Package cors implements the origin/method/header admission checks of
// spec §4.2, generalized from an inline fasthttp corsHandler
// middleware into a standalone, atomically-replaceable policy object —
// the shape original_source/include/kolosal/auth/auth_middleware.hpp's
// CorsHandler exposes (add/remove/is-allowed admin ops, origin/method/header
// sets, preflight detection).
package cors

import (
	"strconv"
	"strings"
	"sync"
)

// Policy is an immutable-per-read snapshot of the CORS configuration.
// Replace it wholesale via Manager.UpdateConfig for atomic updates.
type Policy struct {
	Enabled          bool
	AllowedOrigins   map[string]struct{}
	AllowedMethods   map[string]struct{}
	AllowedHeaders   map[string]struct{}
	AllowCredentials bool
	MaxAgeSeconds    int
}

// NewPolicy builds a Policy from plain slices, as loaded from configuration.
func NewPolicy(enabled bool, origins, methods, headers []string, allowCredentials bool, maxAge int) Policy {
	return Policy{
		Enabled:          enabled,
		AllowedOrigins:   toSet(origins),
		AllowedMethods:   toSet(methods),
		AllowedHeaders:   toSet(headers),
		AllowCredentials: allowCredentials,
		MaxAgeSeconds:    maxAge,
	}
}

func toSet(vals []string) map[string]struct{} {
	s := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		s[v] = struct{}{}
	}
	return s
}

func (p Policy) allowsOrigin(origin string) bool {
	if origin == "" {
		// Empty origin on non-browser clients is allowed.
		return true
	}
	if _, ok := p.AllowedOrigins["*"]; ok {
		return true
	}
	_, ok := p.AllowedOrigins[origin]
	return ok
}

func (p Policy) allowsMethod(method string) bool {
	if _, ok := p.AllowedMethods["*"]; ok {
		return true
	}
	_, ok := p.AllowedMethods[method]
	return ok
}

func (p Policy) allowsHeaders(reqHeaders string) bool {
	if _, ok := p.AllowedHeaders["*"]; ok {
		return true
	}
	if strings.TrimSpace(reqHeaders) == "" {
		return true
	}
	for _, h := range strings.Split(reqHeaders, ",") {
		h = strings.ToLower(strings.TrimSpace(h))
		found := false
		for allowed := range p.AllowedHeaders {
			if strings.ToLower(allowed) == h {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Result is the outcome of processing one request against the policy.
type Result struct {
	IsValid         bool
	IsPreflight     bool
	ResponseHeaders map[string]string
}

// Manager owns a Policy snapshot behind a RWMutex so updates are atomic and
// reads never block on each other.
type Manager struct {
	mu     sync.RWMutex
	policy Policy
}

// NewManager constructs a Manager with the given initial policy.
func NewManager(p Policy) *Manager {
	return &Manager{policy: p}
}

// Current returns a copy of the active policy. The origin set is copied
// too, since AddAllowedOrigin/RemoveAllowedOrigin modify it in place.
func (m *Manager) Current() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.policy
	p.AllowedOrigins = make(map[string]struct{}, len(m.policy.AllowedOrigins))
	for o := range m.policy.AllowedOrigins {
		p.AllowedOrigins[o] = struct{}{}
	}
	return p
}

// UpdateConfig atomically replaces the active policy.
func (m *Manager) UpdateConfig(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// AddAllowedOrigin adds origin to the allow-list.
func (m *Manager) AddAllowedOrigin(origin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.policy.AllowedOrigins == nil {
		m.policy.AllowedOrigins = map[string]struct{}{}
	}
	m.policy.AllowedOrigins[origin] = struct{}{}
}

// RemoveAllowedOrigin removes origin from the allow-list.
func (m *Manager) RemoveAllowedOrigin(origin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policy.AllowedOrigins, origin)
}

// IsOriginAllowed reports whether origin currently passes the policy.
func (m *Manager) IsOriginAllowed(origin string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy.allowsOrigin(origin)
}

// Process implements spec §4.2's process(method, origin, req_headers,
// req_method) operation.
func (m *Manager) Process(method, origin, reqHeaders, reqMethod string) Result {
	p := m.Current()

	if !p.Enabled {
		return Result{IsValid: true, IsPreflight: false, ResponseHeaders: map[string]string{}}
	}

	isPreflight := method == "OPTIONS" && reqMethod != ""

	if !p.allowsOrigin(origin) {
		return Result{IsValid: false, IsPreflight: isPreflight, ResponseHeaders: map[string]string{}}
	}

	headers := map[string]string{}

	if isPreflight {
		if !p.allowsMethod(reqMethod) {
			return Result{IsValid: false, IsPreflight: true, ResponseHeaders: map[string]string{}}
		}
		if !p.allowsHeaders(reqHeaders) {
			return Result{IsValid: false, IsPreflight: true, ResponseHeaders: map[string]string{}}
		}

		headers["Access-Control-Allow-Origin"] = originHeaderValue(p, origin)
		headers["Access-Control-Allow-Methods"] = joinKeys(p.AllowedMethods)
		headers["Access-Control-Allow-Headers"] = joinKeys(p.AllowedHeaders)
		headers["Access-Control-Max-Age"] = strconv.Itoa(p.MaxAgeSeconds)
		if p.AllowCredentials {
			headers["Access-Control-Allow-Credentials"] = "true"
		}
		return Result{IsValid: true, IsPreflight: true, ResponseHeaders: headers}
	}

	headers["Access-Control-Allow-Origin"] = originHeaderValue(p, origin)
	if p.AllowCredentials {
		headers["Access-Control-Allow-Credentials"] = "true"
	}
	return Result{IsValid: true, IsPreflight: false, ResponseHeaders: headers}
}

func originHeaderValue(p Policy, origin string) string {
	if _, ok := p.AllowedOrigins["*"]; ok && !p.AllowCredentials {
		return "*"
	}
	return origin
}

func joinKeys(set map[string]struct{}) string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return strings.Join(out, ", ")
}

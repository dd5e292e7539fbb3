// Package auth composes the CORS, API-key, and rate-limit admission checks
// into the single ordered decision spec §4.3 describes, mirroring
// original_source/include/kolosal/auth/auth_middleware.hpp's
// AuthMiddleware::processRequest almost one to one.
package auth

import (
	"strconv"
	"strings"

	"github.com/kolosalai/kolosal-gateway/internal/cors"
	"github.com/kolosalai/kolosal-gateway/internal/ratelimit"
)

// HeaderLookup resolves a header value by name, case-insensitively. The
// caller's HTTP layer supplies the implementation (e.g. fasthttp's
// RequestHeader.Peek, which already normalizes case).
type HeaderLookup func(name string) string

// RequestInfo is the admission-relevant subset of an incoming request.
type RequestInfo struct {
	Method    string
	Path      string
	ClientIP  string
	Origin    string
	ReqMethod string // Access-Control-Request-Method, preflight only
	ReqHeaders string // Access-Control-Request-Headers, preflight only
	Headers   HeaderLookup
}

// AuthResult is the uniform decision record the route dispatcher consumes.
type AuthResult struct {
	Allowed             bool
	IsPreflight         bool
	StatusCode          int
	Reason              string
	ResponseHeaders     map[string]string
	RateLimitUsed       int
	RateLimitRemaining  int
	RateLimitResetSecs  int
}

// APIKeyPolicy is the spec §3 API-key policy value object.
type APIKeyPolicy struct {
	Enabled      bool
	Required     bool
	HeaderName   string
	AcceptedKeys map[string]struct{}
}

// NewAPIKeyPolicy builds a policy from a plain key slice.
func NewAPIKeyPolicy(enabled, required bool, headerName string, keys []string) APIKeyPolicy {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	if headerName == "" {
		headerName = "Authorization"
	}
	return APIKeyPolicy{Enabled: enabled, Required: required, HeaderName: headerName, AcceptedKeys: set}
}

func (p APIKeyPolicy) extract(headers HeaderLookup) (string, bool) {
	raw := headers(p.HeaderName)
	if raw == "" {
		return "", false
	}
	if strings.EqualFold(p.HeaderName, "Authorization") {
		if after, ok := strings.CutPrefix(raw, "Bearer "); ok {
			raw = after
		}
	}
	return raw, true
}

func (p APIKeyPolicy) accepts(key string) bool {
	_, ok := p.AcceptedKeys[key]
	return ok
}

// Middleware composes CORS → API key → rate limit per spec §4.3's ordering.
type Middleware struct {
	cors    *cors.Manager
	apiKey  APIKeyPolicy
	limiter ratelimit.Limiter
}

// NewMiddleware wires the three admission checks together.
func NewMiddleware(corsMgr *cors.Manager, apiKey APIKeyPolicy, limiter ratelimit.Limiter) *Middleware {
	return &Middleware{cors: corsMgr, apiKey: apiKey, limiter: limiter}
}

// Process implements spec §4.3. Ordering is deliberate: CORS first (so a
// preflight never consumes rate quota or leaks API-key presence), then
// API-key, then rate limit.
func (m *Middleware) Process(req RequestInfo) AuthResult {
	corsResult := m.cors.Process(req.Method, req.Origin, req.ReqHeaders, req.ReqMethod)

	if !corsResult.IsValid {
		return AuthResult{
			Allowed:         false,
			IsPreflight:     corsResult.IsPreflight,
			StatusCode:      403,
			Reason:          "CORS policy violation",
			ResponseHeaders: map[string]string{},
		}
	}

	if corsResult.IsPreflight {
		return AuthResult{
			Allowed:         true,
			IsPreflight:     true,
			StatusCode:      204,
			ResponseHeaders: corsResult.ResponseHeaders,
		}
	}

	if m.apiKey.Enabled && m.apiKey.Required {
		key, present := m.apiKey.extract(req.Headers)
		if !present || !m.apiKey.accepts(key) {
			return AuthResult{
				Allowed:         false,
				StatusCode:      401,
				Reason:          "Invalid or missing API key",
				ResponseHeaders: corsResult.ResponseHeaders,
			}
		}
	}

	decision := m.limiter.Check(req.ClientIP)
	headers := mergeHeaders(corsResult.ResponseHeaders, map[string]string{
		"X-Rate-Limit-Remaining": strconv.Itoa(decision.Remaining),
		"X-Rate-Limit-Reset":     strconv.Itoa(decision.ResetSeconds),
	})
	// X-Rate-Limit-Limit is only meaningful once we know the configured max;
	// Used+Remaining together convey it without the middleware needing the
	// limiter's internal policy.
	headers["X-Rate-Limit-Limit"] = strconv.Itoa(decision.Used + decision.Remaining)

	if !decision.Allowed {
		headers["Retry-After"] = strconv.Itoa(decision.ResetSeconds)
		return AuthResult{
			Allowed:            false,
			StatusCode:         429,
			Reason:             "Rate limit exceeded",
			ResponseHeaders:    headers,
			RateLimitUsed:      decision.Used,
			RateLimitRemaining: 0,
			RateLimitResetSecs: decision.ResetSeconds,
		}
	}

	return AuthResult{
		Allowed:            true,
		StatusCode:         200,
		ResponseHeaders:    headers,
		RateLimitUsed:       decision.Used,
		RateLimitRemaining:  decision.Remaining,
		RateLimitResetSecs:  decision.ResetSeconds,
	}
}

func mergeHeaders(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

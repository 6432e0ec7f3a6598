package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// Security flags.
const (
	FlagUnauthenticated   = "UNAUTHENTICATED"
	FlagAuthFailure       = "AUTH_FAILURE"
	FlagAccessDenied      = "ACCESS_DENIED"
	FlagDestructiveAction = "DESTRUCTIVE_ACTION"
	FlagSensitiveEndpoint = "SENSITIVE_ENDPOINT"
	FlagProxiedRequest    = "PROXIED_REQUEST"
	FlagMissingUserAgent  = "MISSING_USER_AGENT"
	FlagServerError       = "SERVER_ERROR"
)

// Compliance flags.
const (
	FlagAdminAccess   = "ADMIN_ACCESS"
	FlagPIIAccess     = "PII_ACCESS"
	FlagFinancialData = "FINANCIAL_DATA"
	FlagUserCreation  = "USER_CREATION"
	FlagUserDeletion  = "USER_DELETION"
)

// Header names the pipeline reads from requests and responses.
const (
	HeaderErrorCode          = "X-Error-Code"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderCorrelationID      = "X-Correlation-Id"
	HeaderCountryCode        = "X-Country-Code"
)

// SensitivePrefixes are path prefixes that always raise the risk score.
var SensitivePrefixes = []string{
	"/api/v1/admin",
	"/api/v1/auth/reset",
	"/api/v1/users",
	"/api/v1/compliance",
	"/api/v1/transfer",
	"/api/v1/payment",
}

var (
	criticalMarkers  = []string{"admin", "delete", "reset"}
	highMarkers      = []string{"trade", "transfer", "payment"}
	mediumMarkers    = []string{"portfolio", "analytics"}
	piiMarkers       = []string{"/users", "/profile", "/kyc", "/compliance"}
	financialMarkers = []string{"portfolio", "trade", "transfer", "payment", "order", "balance"}
)

// ClassifyLevel buckets a request by path and method. First match wins.
func ClassifyLevel(method, path string) Level {
	p := strings.ToLower(path)
	switch {
	case containsAny(p, criticalMarkers):
		return LevelCritical
	case containsAny(p, highMarkers):
		return LevelHigh
	case containsAny(p, mediumMarkers), strings.EqualFold(method, http.MethodPost):
		return LevelMedium
	default:
		return LevelLow
	}
}

// RiskSignals are the inputs of ScoreRisk.
type RiskSignals struct {
	Authenticated bool
	Role          string
	Method        string
	Path          string
	Status        int
	ClientIP      string
	// RateLimitRemaining is nil when the response carried no rate limit header.
	RateLimitRemaining *int
}

// ScoreRisk sums the additive risk heuristics and clamps the result to [0, 10].
func ScoreRisk(s RiskSignals, rateLimitLowMark int) int {
	score := 0
	if !s.Authenticated {
		score += 2
	}
	if strings.EqualFold(s.Role, GuestRole) {
		score++
	}
	if IsSensitivePath(s.Path) {
		score += 3
	}
	switch strings.ToUpper(s.Method) {
	case http.MethodDelete:
		score += 3
	case http.MethodPut, http.MethodPatch:
		score += 2
	}
	if s.Status >= 400 {
		score++
	}
	if s.Status >= 500 {
		score += 2
	}
	if unresolvedIP(s.ClientIP) {
		score++
	}
	if s.RateLimitRemaining != nil && *s.RateLimitRemaining < rateLimitLowMark {
		score += 2
	}
	return min(max(score, 0), 10)
}

// IsSensitivePath reports whether path starts with a sensitive prefix.
func IsSensitivePath(path string) bool {
	p := strings.ToLower(path)
	for _, prefix := range SensitivePrefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// SecurityFlags derives the independent security observations for a request.
func SecurityFlags(req Request, resp Response) []string {
	var flags []string
	if req.UserID == "" {
		flags = append(flags, FlagUnauthenticated)
	}
	switch resp.Status {
	case http.StatusUnauthorized:
		flags = append(flags, FlagAuthFailure)
	case http.StatusForbidden:
		flags = append(flags, FlagAccessDenied)
	}
	if resp.Status >= 500 {
		flags = append(flags, FlagServerError)
	}
	switch strings.ToUpper(req.Method) {
	case http.MethodDelete, http.MethodPut, http.MethodPatch:
		flags = append(flags, FlagDestructiveAction)
	}
	if IsSensitivePath(req.Path) {
		flags = append(flags, FlagSensitiveEndpoint)
	}
	if req.Header.Get("X-Forwarded-For") != "" || req.Header.Get("X-Real-IP") != "" {
		flags = append(flags, FlagProxiedRequest)
	}
	if strings.TrimSpace(req.Header.Get("User-Agent")) == "" {
		flags = append(flags, FlagMissingUserAgent)
	}
	if code := resp.Header.Get(HeaderErrorCode); strings.HasPrefix(code, "RBAC_") {
		flags = append(flags, code)
	}
	return flags
}

// ComplianceFlags derives regulatory markers from the request shape.
func ComplianceFlags(req Request) []string {
	var flags []string
	p := strings.ToLower(req.Path)
	method := strings.ToUpper(req.Method)
	if strings.Contains(p, "/admin") {
		flags = append(flags, FlagAdminAccess)
	}
	if containsAny(p, piiMarkers) {
		flags = append(flags, FlagPIIAccess)
	}
	if containsAny(p, financialMarkers) {
		flags = append(flags, FlagFinancialData)
	}
	if strings.Contains(p, "/users") {
		switch method {
		case http.MethodPost:
			flags = append(flags, FlagUserCreation)
		case http.MethodDelete:
			flags = append(flags, FlagUserDeletion)
		}
	}
	return flags
}

// Fingerprint hashes client characteristics for correlation. It is not an
// authentication factor.
func Fingerprint(h http.Header, clientIP string) string {
	raw := strings.Join([]string{
		h.Get("User-Agent"),
		h.Get("Accept-Language"),
		h.Get("Accept-Encoding"),
		clientIP,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

func rateLimitRemaining(h http.Header) *int {
	raw := strings.TrimSpace(h.Get(HeaderRateLimitRemaining))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func unresolvedIP(ip string) bool {
	ip = strings.TrimSpace(ip)
	if ip == "" || strings.EqualFold(ip, "unknown") {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed == nil || parsed.IsLoopback() || parsed.IsUnspecified()
}

func containsAny(s string, markers []string) bool {
	return slices.ContainsFunc(markers, func(m string) bool { return strings.Contains(s, m) })
}

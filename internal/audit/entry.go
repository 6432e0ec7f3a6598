package audit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"tradeguard.io/internal/ids"
)

// Level is the coarse severity bucket of an audit entry.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Actor placeholders for requests without a verified principal.
const (
	AnonymousUser = "anonymous"
	GuestRole     = "guest"
)

// Entry is one finalized audit record. It is written exactly once.
type Entry struct {
	AuditID           string         `json:"audit_id"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	UserID            string         `json:"user_id"`
	Role              string         `json:"role"`
	Method            string         `json:"method"`
	Path              string         `json:"path"`
	OriginalURL       string         `json:"original_url"`
	Query             map[string]any `json:"query,omitempty"`
	Body              map[string]any `json:"body,omitempty"`
	Params            map[string]any `json:"params,omitempty"`
	StatusCode        int            `json:"status_code"`
	ResponseSize      int64          `json:"response_size"`
	DurationMS        int64          `json:"duration_ms"`
	ClientIP          string         `json:"client_ip"`
	UserAgent         string         `json:"user_agent,omitempty"`
	CountryCode       string         `json:"country_code,omitempty"`
	DeviceFingerprint string         `json:"device_fingerprint"`
	Level             Level          `json:"audit_level"`
	RiskScore         int            `json:"risk_score"`
	SecurityFlags     []string       `json:"security_flags"`
	ComplianceFlags   []string       `json:"compliance_flags"`
	Timestamp         time.Time      `json:"timestamp"`
}

// HasSecurityFlag reports whether flag was raised on the entry.
func (e Entry) HasSecurityFlag(flag string) bool {
	for _, f := range e.SecurityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Alert is raised for entries whose risk score crosses the alert threshold.
type Alert struct {
	AuditID   string         `json:"audit_id"`
	UserID    string         `json:"user_id"`
	RiskScore int            `json:"risk_score"`
	AlertType string         `json:"alert_type"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

const AlertHighRisk = "HIGH_RISK_REQUEST"

// Request is the transport-neutral view of an inbound request.
type Request struct {
	Method      string
	Path        string
	OriginalURL string
	Header      http.Header
	Query       map[string]any
	Body        map[string]any
	Params      map[string]any
	ClientIP    string
	SessionID   string
	// UserID and Role are empty when no principal was verified.
	UserID string
	Role   string
}

// Response is what the pipeline observes after the handler finished.
type Response struct {
	Status int
	Size   int64
	Header http.Header
}

// Context ties a request to its audit id from the moment it arrives.
type Context struct {
	AuditID       string
	CorrelationID string
	StartTime     time.Time
}

type contextKey struct{}

// Begin allocates an audit id and stores the audit context on ctx.
func (p *Pipeline) Begin(ctx context.Context, correlationID string) (context.Context, *Context) {
	now := p.now()
	ac := &Context{
		AuditID:       ids.Audit(now),
		CorrelationID: strings.TrimSpace(correlationID),
		StartTime:     now,
	}
	if ac.CorrelationID == "" {
		ac.CorrelationID = ac.AuditID
	}
	return context.WithValue(ctx, contextKey{}, ac), ac
}

// FromContext returns the audit context started by Begin.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	ac, ok := ctx.Value(contextKey{}).(*Context)
	return ac, ok && ac != nil
}

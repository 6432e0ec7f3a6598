package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tradeguard.io/internal/ids"
	"tradeguard.io/internal/obs"
)

// Pipeline turns request/response pairs into scored audit entries and hands
// them to a background dispatcher.
type Pipeline struct {
	store      Store
	alerter    Alerter
	dispatcher *Dispatcher
	now        func() time.Time

	queueSize        int
	workers          int
	writeTimeout     time.Duration
	alertThreshold   int
	rateLimitLowMark int
}

// Option configures the Pipeline.
type Option func(*Pipeline) error

func WithStore(s Store) Option {
	return func(p *Pipeline) error {
		if s == nil {
			return errors.New("audit: store is nil")
		}
		p.store = s
		return nil
	}
}

func WithAlerter(a Alerter) Option {
	return func(p *Pipeline) error {
		p.alerter = a
		return nil
	}
}

// WithQueue sizes the background persistence pool.
func WithQueue(size, workers int) Option {
	return func(p *Pipeline) error {
		if size <= 0 || workers <= 0 {
			return errors.New("audit: queue size and workers must be positive")
		}
		p.queueSize, p.workers = size, workers
		return nil
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d > 0 {
			p.writeTimeout = d
		}
		return nil
	}
}

// WithAlertThreshold raises alerts for scores strictly above threshold.
func WithAlertThreshold(threshold int) Option {
	return func(p *Pipeline) error {
		p.alertThreshold = threshold
		return nil
	}
}

// WithRateLimitLowMark sets the remaining-requests level treated as a risk.
func WithRateLimitLowMark(n int) Option {
	return func(p *Pipeline) error {
		p.rateLimitLowMark = n
		return nil
	}
}

func WithClock(fn func() time.Time) Option {
	return func(p *Pipeline) error {
		if fn != nil {
			p.now = fn
		}
		return nil
	}
}

func NewPipeline(opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		store:            NewMemoryStore(),
		alerter:          LogAlerter{},
		now:              time.Now,
		queueSize:        1024,
		workers:          4,
		writeTimeout:     2 * time.Second,
		alertThreshold:   7,
		rateLimitLowMark: 10,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.dispatcher = NewDispatcher(p.store, p.alerter, p.queueSize, p.workers, p.writeTimeout)
	return p, nil
}

// Capture finalizes the audit entry for one request. Sanitizing, scoring and
// flagging happen here; persistence and alerting run in the background.
// Capture never panics and never fails the request.
func (p *Pipeline) Capture(req Request, resp Response, ac *Context) (entry Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			obs.Error("audit_capture_panic", map[string]any{
				"audit_id": entry.AuditID,
				"code":     InternalErrorCode,
				"panic":    fmt.Sprint(rec),
			})
			writeFallback(InternalErrorCode, entry)
		}
	}()

	now := p.now()
	if ac == nil {
		ac = &Context{AuditID: ids.Audit(now), StartTime: now}
	}
	entry = Entry{
		AuditID:       ac.AuditID,
		CorrelationID: ac.CorrelationID,
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		Role:          req.Role,
		Method:        strings.ToUpper(req.Method),
		Path:          req.Path,
		OriginalURL:   req.OriginalURL,
		StatusCode:    resp.Status,
		ResponseSize:  resp.Size,
		DurationMS:    now.Sub(ac.StartTime).Milliseconds(),
		ClientIP:      req.ClientIP,
		UserAgent:     req.Header.Get("User-Agent"),
		CountryCode:   strings.ToUpper(req.Header.Get(HeaderCountryCode)),
		Timestamp:     now.UTC(),
	}
	if entry.UserID == "" {
		entry.UserID = AnonymousUser
	}
	if entry.Role == "" {
		entry.Role = GuestRole
	}

	entry.Query = Sanitize(req.Query)
	entry.Body = Sanitize(req.Body)
	entry.Params = Sanitize(req.Params)
	entry.Level = ClassifyLevel(req.Method, req.Path)
	// authorization denials are never LOW
	if resp.Status == http.StatusForbidden && entry.Level == LevelLow {
		entry.Level = LevelMedium
	}
	entry.RiskScore = ScoreRisk(RiskSignals{
		Authenticated:      req.UserID != "",
		Role:               entry.Role,
		Method:             req.Method,
		Path:               req.Path,
		Status:             resp.Status,
		ClientIP:           req.ClientIP,
		RateLimitRemaining: rateLimitRemaining(resp.Header),
	}, p.rateLimitLowMark)
	entry.SecurityFlags = SecurityFlags(req, resp)
	entry.ComplianceFlags = ComplianceFlags(req)
	entry.DeviceFingerprint = Fingerprint(req.Header, req.ClientIP)

	obs.ObserveAuditEntry(string(entry.Level), entry.RiskScore)

	var alert *Alert
	if entry.RiskScore > p.alertThreshold {
		alert = &Alert{
			AuditID:   entry.AuditID,
			UserID:    entry.UserID,
			RiskScore: entry.RiskScore,
			AlertType: AlertHighRisk,
			Details: map[string]any{
				"method":         entry.Method,
				"path":           entry.Path,
				"status_code":    entry.StatusCode,
				"client_ip":      entry.ClientIP,
				"audit_level":    entry.Level,
				"security_flags": entry.SecurityFlags,
			},
			CreatedAt: entry.Timestamp,
		}
	}
	p.dispatcher.Submit(entry, alert)
	return entry
}

// Query lists stored entries newest first.
func (p *Pipeline) Query(ctx context.Context, f Filter, limit, offset int) ([]Entry, error) {
	return p.store.Query(ctx, f, ClampLimit(limit), max(offset, 0))
}

// Count reports how many stored entries match f.
func (p *Pipeline) Count(ctx context.Context, f Filter) (int, error) {
	return p.store.Count(ctx, f)
}

// Alerts lists recent security alerts newest first.
func (p *Pipeline) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	return p.store.Alerts(ctx, ClampLimit(limit))
}

// Close drains pending writes.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.dispatcher.Close(ctx)
}

package audit

import (
	"context"
	"errors"
	"sync"

	"tradeguard.io/internal/obs"
)

// Alerter delivers security alerts to an outbound channel.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, a Alert) error

func (f AlerterFunc) Alert(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogAlerter writes alerts to the structured log.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, a Alert) error {
	obs.Warn("security_alert", map[string]any{
		"audit_id":   a.AuditID,
		"user_id":    a.UserID,
		"risk_score": a.RiskScore,
		"alert_type": a.AlertType,
		"details":    a.Details,
	})
	return nil
}

// MultiAlerter fans an alert out to every alerter and joins their errors.
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertStream fans alerts out to live subscribers (SSE clients).
type AlertStream struct {
	mu     sync.RWMutex
	subs   map[int]chan Alert
	next   int
	closed bool
}

func NewAlertStream() *AlertStream {
	return &AlertStream{subs: make(map[int]chan Alert)}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends or
// the stream is closed.
func (s *AlertStream) Subscribe(ctx context.Context) <-chan Alert {
	ch := make(chan Alert, 16)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}()

	return ch
}

// Close ends every subscription and refuses new ones.
func (s *AlertStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Alert publishes to all subscribers and never blocks on slow ones.
func (s *AlertStream) Alert(_ context.Context, a Alert) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- a:
		default:
			// медленный подписчик, пропускаем
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers.
func (s *AlertStream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

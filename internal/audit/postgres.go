package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var _ Store = (*PGStore)(nil)

// PGStore persists audit rows in the append-only audit_logs table and
// alerts in security_alerts.
type PGStore struct {
	db *sql.DB
}

// OpenPG opens a pgx-backed connection pool.
func OpenPG(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Audit writes are short; keep the pool modest next to the API pool.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) DB() *sql.DB { return s.db }

const entryColumns = `audit_id, correlation_id, session_id, user_id, role, method, path, original_url,
	query, body, params, status_code, response_size, duration_ms, client_ip, user_agent,
	country_code, device_fingerprint, audit_level, risk_score, security_flags, compliance_flags, created_at`

func (s *PGStore) SaveEntry(ctx context.Context, e Entry) error {
	query, body, params, secFlags, compFlags, err := marshalEntryJSON(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`insert into audit_logs(`+entryColumns+`)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		 on conflict (audit_id) do nothing`,
		e.AuditID, e.CorrelationID, e.SessionID, e.UserID, e.Role, e.Method, e.Path, e.OriginalURL,
		query, body, params, e.StatusCode, e.ResponseSize, e.DurationMS, e.ClientIP, e.UserAgent,
		e.CountryCode, e.DeviceFingerprint, string(e.Level), e.RiskScore, secFlags, compFlags, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PGStore) SaveAlert(ctx context.Context, a Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`insert into security_alerts(audit_id, user_id, risk_score, alert_type, details, created_at)
		 values($1,$2,$3,$4,$5,$6) on conflict (audit_id) do nothing`,
		a.AuditID, a.UserID, a.RiskScore, a.AlertType, details, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicate
	}
	return nil
}

// whereClause renders f as a SQL predicate with positional args.
func whereClause(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if !f.StartDate.IsZero() {
		add("created_at >= $%d", f.StartDate)
	}
	if !f.EndDate.IsZero() {
		add("created_at <= $%d", f.EndDate)
	}
	if f.MinRiskScore > 0 {
		add("risk_score >= $%d", f.MinRiskScore)
	}
	if f.SecurityFlag != "" {
		flag, _ := json.Marshal([]string{f.SecurityFlag})
		add("security_flags @> $%d::jsonb", string(flag))
	}
	if len(where) == 0 {
		return "", nil
	}
	return ` where ` + strings.Join(where, " and "), args
}

func (s *PGStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := whereClause(f)
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from audit_logs`+where, args...).Scan(&n)
	return n, err
}

func (s *PGStore) Query(ctx context.Context, f Filter, limit, offset int) ([]Entry, error) {
	where, args := whereClause(f)
	q := `select ` + entryColumns + ` from audit_logs` + where
	args = append(args, ClampLimit(limit), max(offset, 0))
	q += fmt.Sprintf(` order by created_at desc limit $%d offset $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []Entry{}
	for rows.Next() {
		var (
			e     Entry
			level string
		)
		var query, body, params, secFlags, compFlags []byte
		if err := rows.Scan(&e.AuditID, &e.CorrelationID, &e.SessionID, &e.UserID, &e.Role, &e.Method,
			&e.Path, &e.OriginalURL, &query, &body, &params, &e.StatusCode, &e.ResponseSize, &e.DurationMS,
			&e.ClientIP, &e.UserAgent, &e.CountryCode, &e.DeviceFingerprint, &level, &e.RiskScore,
			&secFlags, &compFlags, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Level = Level(level)
		_ = json.Unmarshal(query, &e.Query)
		_ = json.Unmarshal(body, &e.Body)
		_ = json.Unmarshal(params, &e.Params)
		_ = json.Unmarshal(secFlags, &e.SecurityFlags)
		_ = json.Unmarshal(compFlags, &e.ComplianceFlags)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *PGStore) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`select audit_id, user_id, risk_score, alert_type, details, created_at
		   from security_alerts order by created_at desc limit $1`, ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []Alert{}
	for rows.Next() {
		var (
			a       Alert
			details []byte
		)
		if err := rows.Scan(&a.AuditID, &a.UserID, &a.RiskScore, &a.AlertType, &details, &a.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(details, &a.Details)
		res = append(res, a)
	}
	return res, rows.Err()
}

func marshalEntryJSON(e Entry) (query, body, params, secFlags, compFlags []byte, err error) {
	parts := []any{e.Query, e.Body, e.Params, nonNil(e.SecurityFlags), nonNil(e.ComplianceFlags)}
	out := make([][]byte, len(parts))
	for i, p := range parts {
		if out[i], err = json.Marshal(p); err != nil {
			return nil, nil, nil, nil, nil, err
		}
	}
	return out[0], out[1], out[2], out[3], out[4], nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

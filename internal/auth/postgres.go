package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"tradeguard.io/internal/ids"
)

var _ CredentialStore = (*PGCredentialStore)(nil)

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

const pgErrUniqueViolation = "23505"

// PGCredentialStore resolves login identifiers against the users table.
type PGCredentialStore struct {
	db *sql.DB
}

func NewPGCredentialStore(db *sql.DB) *PGCredentialStore {
	return &PGCredentialStore{db: db}
}

// FindCredential looks the identifier up by email (case-insensitive) or id.
func (s *PGCredentialStore) FindCredential(ctx context.Context, identifier string) (Credential, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Credential{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, role, permissions, status
		   from users where lower(email)=lower($1) or id=$1 limit 1`, identifier)
	var (
		c      Credential
		perms  sql.NullString
		status string
	)
	if err := row.Scan(&c.PrincipalID, &c.Identifier, &c.PasswordHash, &c.Role, &perms, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	c.Permissions = splitPermissions(perms.String)
	c.Disabled = status != UserStatusActive
	return c, nil
}

// CreateUser inserts a user with a bcrypt hash of password and returns its id.
func (s *PGCredentialStore) CreateUser(ctx context.Context, email, password, role string, permissions []string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", ErrInvalidInput
	}
	if RoleRank(role) == 0 {
		return "", ErrInvalidInput
	}
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	id := ids.New()
	_, err = s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, role, permissions, status) values($1,$2,$3,$4,$5,$6)`,
		id, email, hash, strings.ToLower(role), strings.Join(uniq(permissions...), ","), UserStatusActive,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
			return "", ErrConflict
		}
		return "", err
	}
	return id, nil
}

// SetStatus enables or disables a user.
func (s *PGCredentialStore) SetStatus(ctx context.Context, userID, status string) error {
	if status != UserStatusActive && status != UserStatusDisabled {
		return ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx,
		`update users set status=$2, updated_at=now() where id=$1`, userID, status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func splitPermissions(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return uniq(strings.Split(raw, ",")...)
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iliyamo/conference-registration/internal/database"
	"github.com/iliyamo/conference-registration/internal/model"
)

// upsert statements differ between MySQL and SQLite; everything else is
// shared.
var upsertPendingSQL = map[string]string{
	database.DriverMySQL: `INSERT INTO pending (order_code, position, state_token, created_at, nickname, roles)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		state_token = VALUES(state_token),
		created_at = VALUES(created_at),
		nickname = VALUES(nickname),
		roles = VALUES(roles)`,
	database.DriverSQLite: `INSERT INTO pending (order_code, position, state_token, created_at, nickname, roles)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_code, position) DO UPDATE SET
		state_token = excluded.state_token,
		created_at = excluded.created_at,
		nickname = excluded.nickname,
		roles = excluded.roles`,
}

var upsertActiveSQL = map[string]string{
	database.DriverMySQL: `INSERT INTO active (order_code, position, account_id, created_at, nickname, roles)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		account_id = VALUES(account_id),
		created_at = VALUES(created_at),
		nickname = VALUES(nickname),
		roles = VALUES(roles)`,
	database.DriverSQLite: `INSERT INTO active (order_code, position, account_id, created_at, nickname, roles)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_code, position) DO UPDATE SET
		account_id = excluded.account_id,
		created_at = excluded.created_at,
		nickname = excluded.nickname,
		roles = excluded.roles`,
}

// RegistrationRepo provides data access to the pending and active tables.
// Every method runs a single statement on a connection taken from the
// pool for the duration of the call, so concurrent requests for different
// ticket positions never wait on each other.  Conflicting upserts on the
// same position are ordered by the database.  Nothing is cached; each call
// reads the tables afresh.
type RegistrationRepo struct {
	db     *sql.DB
	driver string
}

// NewRegistrationRepo returns a RegistrationRepo bound to db.  driver must be
// one of the database package's driver names.
func NewRegistrationRepo(db *sql.DB, driver string) (*RegistrationRepo, error) {
	if _, ok := upsertPendingSQL[driver]; !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return &RegistrationRepo{db: db, driver: driver}, nil
}

// UpsertPending inserts the pending row or, when the ticket position already
// has one, replaces its token, creation time, nickname and roles.  The
// previous state token stops matching anything.
func (r *RegistrationRepo) UpsertPending(ctx context.Context, p model.PendingRegistration) error {
	roles, err := encodeRoles(p.Roles)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, upsertPendingSQL[r.driver],
		p.OrderCode, p.Position, p.StateToken, p.CreatedAt.UTC(), nullString(p.Nickname), roles)
	if err != nil {
		return unavailable("upsert pending", err)
	}
	return nil
}

// FindPendingByToken returns the pending row carrying stateToken, or
// ErrPendingNotFound.
func (r *RegistrationRepo) FindPendingByToken(ctx context.Context, stateToken string) (*model.PendingRegistration, error) {
	const q = `SELECT order_code, position, state_token, created_at, nickname, roles
	           FROM pending WHERE state_token = ? LIMIT 1`
	var (
		p        model.PendingRegistration
		nickname sql.NullString
		roles    []byte
	)
	err := r.db.QueryRowContext(ctx, q, stateToken).Scan(
		&p.OrderCode, &p.Position, &p.StateToken, &p.CreatedAt, &nickname, &roles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPendingNotFound
		}
		return nil, unavailable("find pending", err)
	}
	if p.Roles, err = decodeRoles(roles); err != nil {
		return nil, err
	}
	p.Nickname = stringPtr(nickname)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// DeletePending removes the pending row for pos and reports whether a row
// was actually removed.  When stateToken is not empty only a row still
// carrying that token matches, so a row rewritten by a newer start is left
// alone.  Deleting a missing row is not an error.
func (r *RegistrationRepo) DeletePending(ctx context.Context, pos model.TicketPosition, stateToken string) (bool, error) {
	q := `DELETE FROM pending WHERE order_code = ? AND position = ?`
	args := []interface{}{pos.OrderCode, pos.Position}
	if stateToken != "" {
		q += ` AND state_token = ?`
		args = append(args, stateToken)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, unavailable("delete pending", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("delete pending", err)
	}
	return n > 0, nil
}

// FindActive returns the active row for pos, or ErrActiveNotFound.
func (r *RegistrationRepo) FindActive(ctx context.Context, pos model.TicketPosition) (*model.ActiveRegistration, error) {
	const q = `SELECT order_code, position, account_id, created_at, nickname, roles
	           FROM active WHERE order_code = ? AND position = ? LIMIT 1`
	var (
		a        model.ActiveRegistration
		nickname sql.NullString
		roles    []byte
	)
	err := r.db.QueryRowContext(ctx, q, pos.OrderCode, pos.Position).Scan(
		&a.OrderCode, &a.Position, &a.AccountID, &a.CreatedAt, &nickname, &roles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrActiveNotFound
		}
		return nil, unavailable("find active", err)
	}
	if a.Roles, err = decodeRoles(roles); err != nil {
		return nil, err
	}
	a.Nickname = stringPtr(nickname)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// UpsertActive inserts the active row or overwrites the existing one for the
// same ticket position.
func (r *RegistrationRepo) UpsertActive(ctx context.Context, a model.ActiveRegistration) error {
	roles, err := encodeRoles(a.Roles)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, upsertActiveSQL[r.driver],
		a.OrderCode, a.Position, a.AccountID, a.CreatedAt.UTC(), nullString(a.Nickname), roles)
	if err != nil {
		return unavailable("upsert active", err)
	}
	return nil
}

// RecentPending lists the newest pending rows, newest first.
func (r *RegistrationRepo) RecentPending(ctx context.Context, limit int) ([]model.PendingRegistration, error) {
	const q = `SELECT order_code, position, state_token, created_at, nickname, roles
	           FROM pending ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, unavailable("list pending", err)
	}
	defer rows.Close()
	var out []model.PendingRegistration
	for rows.Next() {
		var (
			p        model.PendingRegistration
			nickname sql.NullString
			roles    []byte
		)
		if err := rows.Scan(&p.OrderCode, &p.Position, &p.StateToken, &p.CreatedAt, &nickname, &roles); err != nil {
			return nil, unavailable("list pending", err)
		}
		if p.Roles, err = decodeRoles(roles); err != nil {
			return nil, err
		}
		p.Nickname = stringPtr(nickname)
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list pending", err)
	}
	return out, nil
}

// RecentActive lists the newest active rows, newest first.
func (r *RegistrationRepo) RecentActive(ctx context.Context, limit int) ([]model.ActiveRegistration, error) {
	const q = `SELECT order_code, position, account_id, created_at, nickname, roles
	           FROM active ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, unavailable("list active", err)
	}
	defer rows.Close()
	var out []model.ActiveRegistration
	for rows.Next() {
		var (
			a        model.ActiveRegistration
			nickname sql.NullString
			roles    []byte
		)
		if err := rows.Scan(&a.OrderCode, &a.Position, &a.AccountID, &a.CreatedAt, &nickname, &roles); err != nil {
			return nil, unavailable("list active", err)
		}
		if a.Roles, err = decodeRoles(roles); err != nil {
			return nil, err
		}
		a.Nickname = stringPtr(nickname)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list active", err)
	}
	return out, nil
}

func encodeRoles(roles []int64) (string, error) {
	if roles == nil {
		roles = []int64{}
	}
	b, err := json.Marshal(roles)
	if err != nil {
		return "", fmt.Errorf("encode roles: %w", err)
	}
	return string(b), nil
}

func decodeRoles(raw []byte) ([]int64, error) {
	roles := []int64{}
	if len(raw) == 0 {
		return roles, nil
	}
	if err := json.Unmarshal(raw, &roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	return roles, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

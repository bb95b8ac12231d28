package store

import (
	"context"
	"database/sql"
	"time"

	verrors "github.com/vaultindex/vaultindex/internal/errors"
)

// TryClaimLease atomically claims the writer lease. One SQL statement both
// tests and takes the lease, so concurrent claimers are linearized by the
// database and exactly one succeeds per expiry window.
func (s *SQLiteStore) TryClaimLease(ctx context.Context, holder, token string, now time.Time, timeout time.Duration) (bool, error) {
	cutoff := now.Add(-timeout).UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lease (slot, holder, token, heartbeat_ms)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			holder       = excluded.holder,
			token        = excluded.token,
			heartbeat_ms = excluded.heartbeat_ms
		WHERE lease.heartbeat_ms < ? OR lease.token = excluded.token`,
		holder, token, now.UnixMilli(), cutoff)
	if err != nil {
		return false, verrors.StorageError("claim lease", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, verrors.StorageError("claim lease result", err)
	}
	return affected > 0, nil
}

// ForceClaimLease takes the lease regardless of who holds it. Reserved for
// instances configured with the explicit primary role; mixing a forced
// primary with live auto instances steals their lease.
func (s *SQLiteStore) ForceClaimLease(ctx context.Context, holder, token string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lease (slot, holder, token, heartbeat_ms)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			holder       = excluded.holder,
			token        = excluded.token,
			heartbeat_ms = excluded.heartbeat_ms`,
		holder, token, now.UnixMilli())
	if err != nil {
		return verrors.StorageError("force claim lease", err)
	}
	return nil
}

// RenewLease updates the heartbeat, conditioned on the token still matching.
// A zero-row update means another instance claimed over a stale heartbeat
// and the caller must demote itself.
func (s *SQLiteStore) RenewLease(ctx context.Context, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE lease SET heartbeat_ms = ? WHERE slot = 1 AND token = ?",
		now.UnixMilli(), token)
	if err != nil {
		return false, verrors.StorageError("renew lease", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, verrors.StorageError("renew lease result", err)
	}
	return affected > 0, nil
}

// ReleaseLease deletes the lease row if the token matches. Releasing a lease
// that was already taken over is a no-op.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM lease WHERE slot = 1 AND token = ?", token)
	if err != nil {
		return verrors.StorageError("release lease", err)
	}
	return nil
}

// GetLease returns the current lease row, or nil when unclaimed.
func (s *SQLiteStore) GetLease(ctx context.Context) (*Lease, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT holder, token, heartbeat_ms FROM lease WHERE slot = 1")

	var (
		lease       Lease
		heartbeatMS int64
	)
	err := row.Scan(&lease.Holder, &lease.Token, &heartbeatMS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, verrors.StorageError("get lease", err)
	}

	lease.Heartbeat = time.UnixMilli(heartbeatMS)
	return &lease, nil
}

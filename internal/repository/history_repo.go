package repository

import (
	"context"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/jackc/pgx/v5"
)

// MachineHistoryRepo persists CreationAttempts and MachineBlacklistEntries
// (§4.2, §4.11). Attempt recording and blacklist refresh for a given
// (provider, machine_id) happen inside one transaction so aggregate
// counters stay read-your-writes consistent.
type MachineHistoryRepo interface {
	RecordAttempt(ctx context.Context, a *model.CreationAttempt) error
	Stats(ctx context.Context, provider, machineID string) (totalAttempts, failedAttempts int, err error)
	UpsertBlacklistEntry(ctx context.Context, e *model.MachineBlacklistEntry) error
	GetBlacklistEntry(ctx context.Context, provider, machineID string) (*model.MachineBlacklistEntry, error)
	RemoveBlacklistEntry(ctx context.Context, provider, machineID string) error
	ListBlacklistEntries(ctx context.Context, activeOnly bool) ([]*model.MachineBlacklistEntry, error)
	// BlacklistedSet batches lookup of many machine ids in one round-trip,
	// as required for AnnotateOffers (§4.2: "must complete within one
	// database round-trip batched over all offer machine-ids").
	BlacklistedSet(ctx context.Context, provider string, machineIDs []string, now time.Time) (map[string]bool, error)
}

type pgMachineHistoryRepo struct {
	db *DB
}

func NewPGMachineHistoryRepo(db *DB) MachineHistoryRepo { return &pgMachineHistoryRepo{db: db} }

func (r *pgMachineHistoryRepo) RecordAttempt(ctx context.Context, a *model.CreationAttempt) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO creation_attempts (
			provider, machine_id, offer_id, gpu_model, advertised_price,
			attempted_at, success, failing_stage, failure_reason,
			time_to_ready_secs, instance_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		a.Provider, a.MachineID, a.OfferID, a.GPUModel, a.AdvertisedPrice,
		a.AttemptedAt, a.Success, string(a.FailingStage), a.FailureReason,
		a.TimeToReadySecs, a.InstanceID,
	)
	if err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "record creation attempt", err)
	}
	return nil
}

func (r *pgMachineHistoryRepo) Stats(ctx context.Context, provider, machineID string) (int, int, error) {
	var total, failed int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT success)
		FROM creation_attempts WHERE provider = $1 AND machine_id = $2
	`, provider, machineID).Scan(&total, &failed)
	if err != nil {
		return 0, 0, errs.Wrap(errs.KindRepositoryFailed, "read machine stats", err)
	}
	return total, failed, nil
}

func (r *pgMachineHistoryRepo) UpsertBlacklistEntry(ctx context.Context, e *model.MachineBlacklistEntry) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO machine_blacklist (
			provider, machine_id, type, total_attempts, failed_attempts,
			failure_rate, last_failure_reason, created_at, expires_at,
			active, reason, gpu_name
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (provider, machine_id) DO UPDATE SET
			type = EXCLUDED.type,
			total_attempts = EXCLUDED.total_attempts,
			failed_attempts = EXCLUDED.failed_attempts,
			failure_rate = EXCLUDED.failure_rate,
			last_failure_reason = EXCLUDED.last_failure_reason,
			expires_at = EXCLUDED.expires_at,
			active = EXCLUDED.active,
			reason = EXCLUDED.reason,
			gpu_name = EXCLUDED.gpu_name
	`,
		e.Provider, e.MachineID, e.Type, e.TotalAttempts, e.FailedAttempts,
		e.FailureRate, e.LastFailureReason, e.CreatedAt, e.ExpiresAt,
		e.Active, e.Reason, e.GPUName,
	)
	if err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "upsert blacklist entry", err)
	}
	return nil
}

func (r *pgMachineHistoryRepo) GetBlacklistEntry(ctx context.Context, provider, machineID string) (*model.MachineBlacklistEntry, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT provider, machine_id, type, total_attempts, failed_attempts,
			failure_rate, last_failure_reason, created_at, expires_at,
			active, reason, gpu_name
		FROM machine_blacklist WHERE provider = $1 AND machine_id = $2
		ORDER BY created_at DESC LIMIT 1
	`, provider, machineID)

	e, err := scanBlacklistEntry(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindRepositoryFailed, "get blacklist entry", err)
	}
	return e, nil
}

func (r *pgMachineHistoryRepo) RemoveBlacklistEntry(ctx context.Context, provider, machineID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE machine_blacklist SET active = false WHERE provider = $1 AND machine_id = $2
	`, provider, machineID)
	if err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "remove blacklist entry", err)
	}
	return nil
}

func (r *pgMachineHistoryRepo) ListBlacklistEntries(ctx context.Context, activeOnly bool) ([]*model.MachineBlacklistEntry, error) {
	query := `
		SELECT provider, machine_id, type, total_attempts, failed_attempts,
			failure_rate, last_failure_reason, created_at, expires_at,
			active, reason, gpu_name
		FROM machine_blacklist`
	if activeOnly {
		query += ` WHERE active = true`
	}
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, errs.Wrap(errs.KindRepositoryFailed, "list blacklist entries", err)
	}
	defer rows.Close()

	var out []*model.MachineBlacklistEntry
	for rows.Next() {
		e, err := scanBlacklistEntry(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindRepositoryFailed, "scan blacklist entry", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgMachineHistoryRepo) BlacklistedSet(ctx context.Context, provider string, machineIDs []string, now time.Time) (map[string]bool, error) {
	out := make(map[string]bool, len(machineIDs))
	if len(machineIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT machine_id FROM machine_blacklist
		WHERE provider = $1 AND machine_id = ANY($2) AND active = true
		  AND (expires_at IS NULL OR expires_at > $3)
	`, provider, machineIDs, now)
	if err != nil {
		return nil, errs.Wrap(errs.KindRepositoryFailed, "batch blacklist lookup", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindRepositoryFailed, "scan blacklist id", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func scanBlacklistEntry(row rowScanner) (*model.MachineBlacklistEntry, error) {
	var e model.MachineBlacklistEntry
	err := row.Scan(
		&e.Provider, &e.MachineID, &e.Type, &e.TotalAttempts, &e.FailedAttempts,
		&e.FailureRate, &e.LastFailureReason, &e.CreatedAt, &e.ExpiresAt,
		&e.Active, &e.Reason, &e.GPUName,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

package persist

import (
	"context"
	"fmt"

	"github.com/l1jgo/worldshard/internal/partition"
)

const (
	loadOwnershipSQL = `SELECT guid, map_id, partition_id FROM partition_ownership WHERE partition_id > 0`

	upsertOwnershipSQL = `INSERT INTO partition_ownership (guid, map_id, partition_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (guid) DO UPDATE
		SET map_id = EXCLUDED.map_id, partition_id = EXCLUDED.partition_id, updated_at = now()`
)

// OwnershipRepo reads and writes the sticky player ownership table.
type OwnershipRepo struct {
	db *DB
}

func NewOwnershipRepo(db *DB) *OwnershipRepo {
	return &OwnershipRepo{db: db}
}

// loadQuery restricts the load to mapIDs when any are given.
func loadQuery(mapIDs []uint32) (string, []any) {
	if len(mapIDs) == 0 {
		return loadOwnershipSQL, nil
	}
	ids := make([]int32, len(mapIDs))
	for i, id := range mapIDs {
		ids[i] = int32(id)
	}
	return loadOwnershipSQL + ` AND map_id = ANY($1)`, []any{ids}
}

// LoadAll returns every stored assignment for mapIDs (all maps when empty).
// Rows with partition 0 are never returned.
func (r *OwnershipRepo) LoadAll(ctx context.Context, mapIDs []uint32) ([]partition.OwnershipRow, error) {
	query, args := loadQuery(mapIDs)
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load ownership: %w", err)
	}
	defer rows.Close()

	var out []partition.OwnershipRow
	for rows.Next() {
		var guid int64
		var mapID, pid int32
		if err := rows.Scan(&guid, &mapID, &pid); err != nil {
			return nil, fmt.Errorf("scan ownership: %w", err)
		}
		out = append(out, partition.OwnershipRow{GUID: uint64(guid), MapID: uint32(mapID), PartitionID: uint32(pid)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load ownership: %w", err)
	}
	return out, nil
}

// SaveBatch upserts rows in a single transaction.
func (r *OwnershipRepo) SaveBatch(ctx context.Context, rows []partition.OwnershipRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ownership begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		if _, err := tx.Exec(ctx, upsertOwnershipSQL,
			int64(row.GUID), int32(row.MapID), int32(row.PartitionID),
		); err != nil {
			return fmt.Errorf("ownership upsert guid %d: %w", row.GUID, err)
		}
	}

	return tx.Commit(ctx)
}

// Delete forgets guid's assignment.
func (r *OwnershipRepo) Delete(ctx context.Context, guid uint64) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM partition_ownership WHERE guid = $1`, int64(guid))
	return err
}

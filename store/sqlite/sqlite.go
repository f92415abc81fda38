package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/pezware/mirubato-sub016/models"
	"github.com/pezware/mirubato-sub016/store"
)

// SQLiteSyncStore backs the sync tables with a single local database
// file. It exists for development and self-hosted deployments; the
// hosted service runs on DynamoDB.
type SQLiteSyncStore struct {
	db *sql.DB
}

func NewSQLiteSyncStore(ctx context.Context, path string) (*SQLiteSyncStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// A single connection keeps SQLITE_BUSY out of the picture and
	// makes :memory: databases behave under the connection pool.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}

	return &SQLiteSyncStore{db: db}, nil
}

func (sqliteStore *SQLiteSyncStore) Close() error {
	return sqliteStore.db.Close()
}

func (sqliteStore *SQLiteSyncStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := sqliteStore.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

const entityColumns = "id, user_id, entity_type, sync_version, checksum, created_at, updated_at, deleted_at, device_id, payload"

func (sqliteStore *SQLiteSyncStore) GetEntity(ctx context.Context, userId string, entityType models.EntityType, id string) (models.SyncableEntity, error) {
	row := sqliteStore.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE user_id = ? AND entity_type = ? AND id = ?",
		userId, string(entityType), id)
	return scanEntity(row)
}

func (sqliteStore *SQLiteSyncStore) ApplyChange(ctx context.Context, change store.Change) error {
	e := change.Entity
	return sqliteStore.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if change.ExpectedVersion == 0 {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO entities (user_id, entity_type, id, sync_version, checksum, created_at, updated_at, deleted_at, device_id, payload)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (user_id, entity_type, id) DO NOTHING`,
				e.UserId, string(e.EntityType), e.Id, e.SyncVersion, e.Checksum,
				e.CreatedAt, e.UpdatedAt, nullableMillis(e.DeletedAt), e.DeviceId, []byte(e.Payload))
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE entities
				SET sync_version = ?, checksum = ?, updated_at = ?, deleted_at = ?, device_id = ?, payload = ?
				WHERE user_id = ? AND entity_type = ? AND id = ? AND sync_version = ?`,
				e.SyncVersion, e.Checksum, e.UpdatedAt, nullableMillis(e.DeletedAt), e.DeviceId, []byte(e.Payload),
				e.UserId, string(e.EntityType), e.Id, change.ExpectedVersion)
		}
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrVersionStale
		}

		if t := change.Tombstone; t != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tombstones (user_id, entity_type, entity_id, deleted_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (user_id, entity_type, entity_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
				t.UserId, string(t.EntityType), t.EntityId, t.DeletedAt); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_metadata (user_id, pending_sync_count) VALUES (?, 1)
			ON CONFLICT (user_id) DO UPDATE SET pending_sync_count = pending_sync_count + 1`,
			e.UserId)
		return err
	})
}

func (sqliteStore *SQLiteSyncStore) EntitiesUpdatedSince(ctx context.Context, userId string, sinceMillis int64, limit int32) ([]models.SyncableEntity, error) {
	rows, err := sqliteStore.db.QueryContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE user_id = ? AND updated_at > ? ORDER BY updated_at ASC, id ASC LIMIT ?",
		userId, sinceMillis, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := make([]models.SyncableEntity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func (sqliteStore *SQLiteSyncStore) TombstonesSince(ctx context.Context, userId string, sinceMillis int64, limit int32) ([]models.Tombstone, error) {
	rows, err := sqliteStore.db.QueryContext(ctx, `
		SELECT user_id, entity_type, entity_id, deleted_at
		FROM tombstones WHERE user_id = ? AND deleted_at > ?
		ORDER BY deleted_at ASC, entity_id ASC LIMIT ?`,
		userId, sinceMillis, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tombstones := make([]models.Tombstone, 0)
	for rows.Next() {
		var t models.Tombstone
		var entityType string
		if err := rows.Scan(&t.UserId, &entityType, &t.EntityId, &t.DeletedAt); err != nil {
			return nil, err
		}
		t.EntityType = models.EntityType(entityType)
		tombstones = append(tombstones, t)
	}
	return tombstones, rows.Err()
}

func (sqliteStore *SQLiteSyncStore) GetSyncMetadata(ctx context.Context, userId string) (models.SyncMetadata, error) {
	var meta models.SyncMetadata
	var status string
	err := sqliteStore.db.QueryRowContext(ctx, `
		SELECT user_id, last_sync_timestamp, sync_token, pending_sync_count, last_sync_status, last_sync_error
		FROM sync_metadata WHERE user_id = ?`, userId).
		Scan(&meta.UserId, &meta.LastSyncTimestamp, &meta.SyncToken, &meta.PendingSyncCount, &status, &meta.LastSyncError)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncMetadata{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.SyncMetadata{}, err
	}
	meta.LastSyncStatus = models.SyncStatus(status)
	return meta, nil
}

func (sqliteStore *SQLiteSyncStore) PutSyncMetadata(ctx context.Context, meta models.SyncMetadata) error {
	_, err := sqliteStore.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (user_id, last_sync_timestamp, sync_token, pending_sync_count, last_sync_status, last_sync_error)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			last_sync_timestamp = excluded.last_sync_timestamp,
			sync_token = excluded.sync_token,
			last_sync_status = excluded.last_sync_status,
			last_sync_error = excluded.last_sync_error`,
		meta.UserId, meta.LastSyncTimestamp, meta.SyncToken, string(meta.LastSyncStatus), meta.LastSyncError)
	return err
}

func (sqliteStore *SQLiteSyncStore) ResetPendingCount(ctx context.Context, userId string) error {
	_, err := sqliteStore.db.ExecContext(ctx,
		"UPDATE sync_metadata SET pending_sync_count = 0 WHERE user_id = ?", userId)
	return err
}

func (sqliteStore *SQLiteSyncStore) UpsertDeviceRecord(ctx context.Context, record models.DeviceRecord) error {
	_, err := sqliteStore.db.ExecContext(ctx, `
		INSERT INTO device_records (user_id, device_id, last_sync_at, last_entity_type, last_entity_id, sync_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_entity_type = excluded.last_entity_type,
			last_entity_id = excluded.last_entity_id,
			sync_count = device_records.sync_count + excluded.sync_count`,
		record.UserId, record.DeviceId, record.LastSyncAt,
		string(record.LastEntityType), record.LastEntityId, record.SyncCount)
	return err
}

func (sqliteStore *SQLiteSyncStore) GetDeviceRecords(ctx context.Context, userId string) ([]models.DeviceRecord, error) {
	rows, err := sqliteStore.db.QueryContext(ctx, `
		SELECT user_id, device_id, last_sync_at, last_entity_type, last_entity_id, sync_count
		FROM device_records WHERE user_id = ? ORDER BY last_sync_at DESC`, userId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.DeviceRecord, 0)
	for rows.Next() {
		var record models.DeviceRecord
		var entityType string
		if err := rows.Scan(&record.UserId, &record.DeviceId, &record.LastSyncAt, &entityType, &record.LastEntityId, &record.SyncCount); err != nil {
			return nil, err
		}
		record.LastEntityType = models.EntityType(entityType)
		records = append(records, record)
	}
	return records, rows.Err()
}

func (sqliteStore *SQLiteSyncStore) PurgeTombstonesBefore(ctx context.Context, cutoffMillis int64) (int, error) {
	res, err := sqliteStore.db.ExecContext(ctx,
		"DELETE FROM tombstones WHERE deleted_at < ?", cutoffMillis)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (sqliteStore *SQLiteSyncStore) DeleteUserData(ctx context.Context, userId string) (int, error) {
	removed := 0
	err := sqliteStore.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"entities", "tombstones", "sync_metadata", "device_records"} {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE user_id = ?", userId)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			removed += int(affected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (models.SyncableEntity, error) {
	var e models.SyncableEntity
	var entityType string
	var deletedAt sql.NullInt64
	var payload []byte
	err := row.Scan(&e.Id, &e.UserId, &entityType, &e.SyncVersion, &e.Checksum,
		&e.CreatedAt, &e.UpdatedAt, &deletedAt, &e.DeviceId, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncableEntity{}, store.ErrItemNotFound
	}
	if err != nil {
		return models.SyncableEntity{}, err
	}
	e.EntityType = models.EntityType(entityType)
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.Int64
	}
	if len(payload) > 0 {
		e.Payload = payload
	}
	return e, nil
}

func nullableMillis(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

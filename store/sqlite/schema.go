package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	user_id      TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	id           TEXT NOT NULL,
	sync_version INTEGER NOT NULL,
	checksum     TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	deleted_at   INTEGER,
	device_id    TEXT NOT NULL DEFAULT '',
	payload      BLOB,
	PRIMARY KEY (user_id, entity_type, id)
);

CREATE INDEX IF NOT EXISTS idx_entities_user_updated ON entities (user_id, updated_at);

CREATE TABLE IF NOT EXISTS tombstones (
	user_id     TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	deleted_at  INTEGER NOT NULL,
	PRIMARY KEY (user_id, entity_type, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_tombstones_user_deleted ON tombstones (user_id, deleted_at);
CREATE INDEX IF NOT EXISTS idx_tombstones_deleted ON tombstones (deleted_at);

CREATE TABLE IF NOT EXISTS sync_metadata (
	user_id             TEXT PRIMARY KEY,
	last_sync_timestamp INTEGER NOT NULL DEFAULT 0,
	sync_token          TEXT NOT NULL DEFAULT '',
	pending_sync_count  INTEGER NOT NULL DEFAULT 0,
	last_sync_status    TEXT NOT NULL DEFAULT 'never',
	last_sync_error     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS device_records (
	user_id          TEXT NOT NULL,
	device_id        TEXT NOT NULL,
	last_sync_at     INTEGER NOT NULL DEFAULT 0,
	last_entity_type TEXT NOT NULL DEFAULT '',
	last_entity_id   TEXT NOT NULL DEFAULT '',
	sync_count       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, device_id)
);
`

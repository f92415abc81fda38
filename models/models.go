package models

import "encoding/json"

// EntityType discriminates the payload variants that travel through the
// sync protocol. Unknown types are rejected at the batch boundary.
type EntityType string

const (
	EntityPracticeSession EntityType = "practice_session"
	EntityGoal            EntityType = "goal"
	EntityLogbookEntry    EntityType = "logbook_entry"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityPracticeSession, EntityGoal, EntityLogbookEntry:
		return true
	}
	return false
}

// SyncableEntity is the envelope stored for every synchronized record.
// Payload holds the canonical serialization of one of the payload
// variants below; for soft-deleted rows it may be empty.
type SyncableEntity struct {
	Id          string          `json:"id"`
	UserId      string          `json:"-"`
	EntityType  EntityType      `json:"entityType"`
	SyncVersion int64           `json:"syncVersion"`
	Checksum    string          `json:"checksum"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
	DeletedAt   *int64          `json:"deletedAt,omitempty"`
	DeviceId    string          `json:"deviceId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (e SyncableEntity) Deleted() bool {
	return e.DeletedAt != nil
}

// PracticeSessionPayload records a single practice sitting.
type PracticeSessionPayload struct {
	Instrument      string   `json:"instrument" validate:"required,max=100"`
	StartedAt       int64    `json:"startedAt" validate:"required,gt=0"`
	DurationMinutes int      `json:"durationMinutes" validate:"min=1,max=1440"`
	Pieces          []string `json:"pieces,omitempty" validate:"max=64,dive,required,max=200"`
	TempoBPM        int      `json:"tempoBpm,omitempty" validate:"omitempty,min=20,max=400"`
	Rating          int      `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	Notes           string   `json:"notes,omitempty" validate:"max=4000"`
}

// GoalPayload tracks a longer-running practice objective.
type GoalPayload struct {
	Title                string `json:"title" validate:"required,max=200"`
	Description          string `json:"description,omitempty" validate:"max=2000"`
	Status               string `json:"status" validate:"required,oneof=active completed abandoned"`
	TargetDate           int64  `json:"targetDate,omitempty" validate:"min=0"`
	TargetMinutesPerWeek int    `json:"targetMinutesPerWeek,omitempty" validate:"min=0,max=10080"`
	Progress             int    `json:"progress,omitempty" validate:"min=0,max=100"`
}

// LogbookEntryPayload is a free-form journal entry, optionally linked
// to the practice session it reflects on.
type LogbookEntryPayload struct {
	Title       string   `json:"title,omitempty" validate:"max=200"`
	Body        string   `json:"body" validate:"required,max=10000"`
	PracticedAt int64    `json:"practicedAt,omitempty" validate:"min=0"`
	Mood        string   `json:"mood,omitempty" validate:"omitempty,oneof=inspired focused neutral frustrated tired"`
	SessionId   string   `json:"sessionId,omitempty" validate:"max=64"`
	Tags        []string `json:"tags,omitempty" validate:"max=16,dive,required,max=40"`
}

type SyncStatus string

const (
	SyncStatusNever   SyncStatus = "never"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncMetadata is the per-user bookkeeping row. PendingSyncCount counts
// writes applied since the user last pulled the change feed; it is
// incremented transactionally with each applied change and reset when a
// feed read succeeds.
type SyncMetadata struct {
	UserId            string     `json:"-"`
	LastSyncTimestamp int64      `json:"lastSyncTimestamp"`
	SyncToken         string     `json:"syncToken"`
	PendingSyncCount  int64      `json:"pendingSyncCount"`
	LastSyncStatus    SyncStatus `json:"lastSyncStatus"`
	LastSyncError     string     `json:"lastSyncError,omitempty"`
}

// Tombstone marks a deletion so other devices can drop their local
// copies. Tombstones are append-only and purged after a retention
// window by a background job.
type Tombstone struct {
	UserId     string     `json:"-"`
	EntityType EntityType `json:"entityType"`
	EntityId   string     `json:"entityId"`
	DeletedAt  int64      `json:"deletedAt"`
}

// DeviceRecord tracks which device last wrote which entity. Diagnostic
// only; it is written through the registry batcher and never read on
// the sync hot paths.
type DeviceRecord struct {
	UserId         string     `json:"-"`
	DeviceId       string     `json:"deviceId"`
	LastSyncAt     int64      `json:"lastSyncAt"`
	LastEntityType EntityType `json:"lastEntityType,omitempty"`
	LastEntityId   string     `json:"lastEntityId,omitempty"`
	SyncCount      int64      `json:"syncCount"`
}

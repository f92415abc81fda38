package syncer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pezware/mirubato-sub016/models"
	"github.com/pezware/mirubato-sub016/syncer"
)

func storedEntity(version int64, checksum string) *models.SyncableEntity {
	return &models.SyncableEntity{
		Id:          "entity1",
		UserId:      "user1",
		EntityType:  models.EntityPracticeSession,
		SyncVersion: version,
		Checksum:    checksum,
		UpdatedAt:   1700000000000,
	}
}

func deletedEntity(version int64, checksum string) *models.SyncableEntity {
	entity := storedEntity(version, checksum)
	deletedAt := int64(1700000000500)
	entity.DeletedAt = &deletedAt
	return entity
}

func TestResolveCreatesWhenRowIsUnknown(t *testing.T) {
	item := syncer.BatchItem{Id: "entity1", SyncVersion: 1}

	decision := syncer.Resolve(item, "abc", nil)
	assert.Equal(t, syncer.OutcomeCreate, decision.Outcome)
}

func TestResolveDeleteOfUnknownRowStillCreates(t *testing.T) {
	// A delete for a row the server never saw must still land so the
	// tombstone reaches the user's other devices.
	deletedAt := int64(1700000001000)
	item := syncer.BatchItem{Id: "entity1", SyncVersion: 1, DeletedAt: &deletedAt}

	decision := syncer.Resolve(item, "abc", nil)
	assert.Equal(t, syncer.OutcomeCreate, decision.Outcome)
}

func TestResolveHigherVersionWins(t *testing.T) {
	item := syncer.BatchItem{Id: "entity1", SyncVersion: 3}

	decision := syncer.Resolve(item, "abc", storedEntity(2, "stored"))
	assert.Equal(t, syncer.OutcomeUpdate, decision.Outcome)
}

func TestResolveHigherVersionDeleteWins(t *testing.T) {
	deletedAt := int64(1700000001000)
	item := syncer.BatchItem{Id: "entity1", SyncVersion: 3, DeletedAt: &deletedAt}

	decision := syncer.Resolve(item, "", storedEntity(2, "stored"))
	assert.Equal(t, syncer.OutcomeUpdate, decision.Outcome)
}

func TestResolveRetransmissionIsNoop(t *testing.T) {
	item := syncer.BatchItem{Id: "entity1", SyncVersion: 2}

	decision := syncer.Resolve(item, "same", storedEntity(2, "same"))
	assert.Equal(t, syncer.OutcomeNoop, decision.Outcome)
}

func TestResolveVersionTieGoesToServer(t *testing.T) {
	// Two devices editing from a common base reach the same version
	// independently; whichever synced first owns that version number.
	item := syncer.BatchItem{Id: "entity1", SyncVersion: 2}

	decision := syncer.Resolve(item, "theirs", storedEntity(2, "ours"))
	assert.Equal(t, syncer.OutcomeServerWins, decision.Outcome)
}

func TestResolveStaleVersionLosesToServer(t *testing.T) {
	item := syncer.BatchItem{Id: "entity1", SyncVersion: 1}

	decision := syncer.Resolve(item, "theirs", storedEntity(4, "ours"))
	assert.Equal(t, syncer.OutcomeServerWins, decision.Outcome)
}

func TestResolveRepeatedDeleteIsNoop(t *testing.T) {
	deletedAt := int64(1700000001000)
	item := syncer.BatchItem{Id: "entity1", SyncVersion: 2, DeletedAt: &deletedAt}

	decision := syncer.Resolve(item, "", deletedEntity(2, "stored"))
	assert.Equal(t, syncer.OutcomeNoop, decision.Outcome)
}

func TestResolveStaleDeleteOfLiveRowLosesToServer(t *testing.T) {
	deletedAt := int64(1700000001000)
	item := syncer.BatchItem{Id: "entity1", SyncVersion: 2, DeletedAt: &deletedAt}

	decision := syncer.Resolve(item, "", storedEntity(2, "stored"))
	assert.Equal(t, syncer.OutcomeServerWins, decision.Outcome)
}

func TestResolveMatchingChecksumOnDeletedRowLosesToServer(t *testing.T) {
	// The row was deleted at the same version the client is resending;
	// the delete stands until the client catches up past it.
	item := syncer.BatchItem{Id: "entity1", SyncVersion: 2}

	decision := syncer.Resolve(item, "same", deletedEntity(2, "same"))
	assert.Equal(t, syncer.OutcomeServerWins, decision.Outcome)
}

func TestResolveIsDeterministic(t *testing.T) {
	item := syncer.BatchItem{Id: "entity1", SyncVersion: 2}
	current := storedEntity(2, "ours")

	first := syncer.Resolve(item, "theirs", current)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, syncer.Resolve(item, "theirs", current))
	}
}

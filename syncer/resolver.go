package syncer

import (
	"encoding/json"

	"github.com/pezware/mirubato-sub016/models"
)

// BatchItem is one client-submitted change. SyncVersion is the
// client's version after its local edits; Checksum covers the client's
// canonical serialization of Payload. A set DeletedAt marks a soft
// delete, in which case Payload may be absent.
type BatchItem struct {
	Id          string            `json:"id"`
	EntityType  models.EntityType `json:"entityType"`
	SyncVersion int64             `json:"syncVersion"`
	Checksum    string            `json:"checksum,omitempty"`
	CreatedAt   int64             `json:"createdAt,omitempty"`
	UpdatedAt   int64             `json:"updatedAt,omitempty"`
	DeletedAt   *int64            `json:"deletedAt,omitempty"`
	DeviceId    string            `json:"deviceId,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

func (it BatchItem) IsDelete() bool {
	return it.DeletedAt != nil
}

type Outcome int

const (
	OutcomeCreate Outcome = iota
	OutcomeUpdate
	OutcomeNoop
	OutcomeServerWins
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreate:
		return "create"
	case OutcomeUpdate:
		return "update"
	case OutcomeNoop:
		return "noop"
	case OutcomeServerWins:
		return "server_wins"
	}
	return "unknown"
}

type Decision struct {
	Outcome Outcome
}

// Resolve applies last-write-wins over sync versions. checksum is the
// server-computed canonical checksum of the incoming payload, so a
// Noop here means the client is retransmitting content the row already
// holds. The decision depends only on its inputs; replaying the same
// pair always yields the same outcome.
//
// Ties go to the server: two devices editing from a common base reach
// the same version independently, and whichever synced first owns that
// version number.
func Resolve(incoming BatchItem, checksum string, current *models.SyncableEntity) Decision {
	if current == nil {
		return Decision{Outcome: OutcomeCreate}
	}
	if incoming.SyncVersion > current.SyncVersion {
		return Decision{Outcome: OutcomeUpdate}
	}
	if incoming.IsDelete() {
		if current.Deleted() {
			return Decision{Outcome: OutcomeNoop}
		}
		return Decision{Outcome: OutcomeServerWins}
	}
	if !current.Deleted() && checksum == current.Checksum {
		return Decision{Outcome: OutcomeNoop}
	}
	return Decision{Outcome: OutcomeServerWins}
}

package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pezware/mirubato-sub016/models"
)

var validate = validator.New()

// EncodingError reports a payload that failed to decode or validate for
// its declared entity type.
type EncodingError struct {
	EntityType models.EntityType
	Reason     string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.EntityType, e.Reason)
}

// EncodePayload decodes raw into the payload variant for entityType,
// validates it and re-serializes it into canonical form. Two payloads
// that differ only in key order, whitespace or unknown fields encode to
// identical bytes, which is what makes checksums comparable across
// devices.
func EncodePayload(entityType models.EntityType, raw json.RawMessage) ([]byte, error) {
	variant, err := decodePayload(entityType, raw)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(variant); err != nil {
		return nil, &EncodingError{EntityType: entityType, Reason: err.Error()}
	}
	canonical, err := json.Marshal(variant)
	if err != nil {
		return nil, &EncodingError{EntityType: entityType, Reason: err.Error()}
	}
	return canonical, nil
}

// Checksum returns the lowercase hex SHA-256 of the canonical encoding
// of raw. Clients compute the same value over their own canonical
// serialization, so a mismatch means the payload was corrupted or the
// client encoder disagrees with ours.
func Checksum(entityType models.EntityType, raw json.RawMessage) (string, error) {
	canonical, err := EncodePayload(entityType, raw)
	if err != nil {
		return "", err
	}
	return ChecksumBytes(canonical), nil
}

// ChecksumBytes hashes an already canonical payload.
func ChecksumBytes(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func decodePayload(entityType models.EntityType, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, &EncodingError{EntityType: entityType, Reason: "payload is empty"}
	}
	var variant any
	switch entityType {
	case models.EntityPracticeSession:
		variant = &models.PracticeSessionPayload{}
	case models.EntityGoal:
		variant = &models.GoalPayload{}
	case models.EntityLogbookEntry:
		variant = &models.LogbookEntryPayload{}
	default:
		return nil, &EncodingError{EntityType: entityType, Reason: "unknown entity type"}
	}
	if err := json.Unmarshal(raw, variant); err != nil {
		return nil, &EncodingError{EntityType: entityType, Reason: err.Error()}
	}
	return variant, nil
}

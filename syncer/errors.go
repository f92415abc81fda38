package syncer

import (
	"errors"

	"github.com/pezware/mirubato-sub016/models"
)

// Custom error types for clarity
var (
	ErrInvalidToken   = errors.New("sync token is malformed")
	ErrTokenForbidden = errors.New("sync token belongs to another user")
	ErrBatchTooLarge  = errors.New("batch exceeds the item limit")
)

// ItemError records why a single batch item was not applied. Item
// failures never abort the surrounding batch.
type ItemError struct {
	Id         string            `json:"id"`
	EntityType models.EntityType `json:"entityType,omitempty"`
	Message    string            `json:"message"`
}

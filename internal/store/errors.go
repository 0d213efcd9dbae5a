package store

import "errors"

// Sentinel errors distinguishing the store failure modes. The API layer
// maps ErrNotFound to 404 and everything else to 500.
var (
	ErrNotFound         = errors.New("artifact not found")
	ErrSchemaValidation = errors.New("artifact schema validation failed")
	ErrStorageWrite     = errors.New("storage write failed")
	ErrStorageRead      = errors.New("storage read failed")
)

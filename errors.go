package courier

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("courier: no store configured")
	ErrStoreClosed     = errors.New("courier: store closed")
	ErrMigrationFailed = errors.New("courier: migration failed")

	// Not found errors.
	ErrRecordNotFound = errors.New("courier: job record not found")

	// Conflict errors.
	ErrDuplicateRecord = errors.New("courier: active job record with the same dedup key exists")

	// State errors.
	ErrInvalidState    = errors.New("courier: invalid state transition")
	ErrAlreadyTerminal = errors.New("courier: job record already terminal")
	ErrNotFailed       = errors.New("courier: job record is not failed")

	// Validation errors.
	ErrInvalidJobName     = errors.New("courier: job name must not be empty")
	ErrInvalidMaxAttempts = errors.New("courier: max attempts must be at least 1")
	ErrInvalidWindow      = errors.New("courier: promotion window must not be negative")

	// Promotion errors.
	ErrPassInProgress = errors.New("courier: promotion pass already in progress")
	ErrNoBroker       = errors.New("courier: no broker configured")
)

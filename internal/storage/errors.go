package storage

import "errors"

var (
	// ErrUsageRecordNotFound is returned when a usage record is not found
	ErrUsageRecordNotFound = errors.New("usage record not found")

	// ErrDatabaseDisabled is returned when no database URL is configured
	ErrDatabaseDisabled = errors.New("database not configured")
)

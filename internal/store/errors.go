package store

import "errors"

// Sentinel errors returned by store operations. Callers match them with
// errors.Is.
var (
	// ErrSensorExists is returned by CreateSensor when a sensor with the
	// same (source, name, user) identity is already stored.
	ErrSensorExists = errors.New("sensor already exists")

	// ErrSensorNotFound is returned when a sensor lookup matches nothing.
	ErrSensorNotFound = errors.New("sensor not found")

	// ErrSourceNotFound is returned when a source lookup matches nothing.
	ErrSourceNotFound = errors.New("source not found")

	// ErrInvalidLimit is returned by GetDataPoints for a negative limit.
	ErrInvalidLimit = errors.New("limit must not be negative")
)

// Package types provides common types used across Almoner.
package types

import "time"

// Entity is the base type for all Almoner records with timestamps.
// Embed this in record types to get timestamp handling.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity creates a new Entity stamped with the current UTC time.
func NewEntity() Entity {
	return NewEntityAt(time.Now())
}

// NewEntityAt creates a new Entity stamped with t.
func NewEntityAt(t time.Time) Entity {
	t = t.UTC()
	return Entity{
		CreatedAt: t,
		UpdatedAt: t,
	}
}

// TouchAt updates the UpdatedAt timestamp to t.
func (e *Entity) TouchAt(t time.Time) {
	e.UpdatedAt = t.UTC()
}

// Clock returns the current time. The engine and stores take a Clock so
// tests can pin timestamps.
type Clock func() time.Time

// SystemClock is the default Clock, returning the current UTC time.
func SystemClock() time.Time {
	return time.Now().UTC()
}

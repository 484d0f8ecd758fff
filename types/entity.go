package types

import "time"

// Entity carries the creation and last-modification timestamps of a
// persisted record.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity creates an Entity stamped with now, truncated to
// microseconds so that values survive a database round trip unchanged.
func NewEntity(now time.Time) Entity {
	now = now.UTC().Truncate(time.Microsecond)
	return Entity{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch sets UpdatedAt to now.
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = now.UTC().Truncate(time.Microsecond)
}

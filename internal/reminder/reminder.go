// Package reminder holds the scheduling engine's shared data model: reminder
// items, their persisted schedule entries, and the error taxonomy used by the
// registry, storage drivers and the dispatch loop.
package reminder

import (
	"strings"
	"time"

	"tweetup/internal/policy"
)

// Item is something the user wants to be reminded of. The payload itself
// (tweet text, author, ...) lives in an external store; PayloadRef points at it.
type Item struct {
	ID         string    `json:"id"`
	PayloadRef string    `json:"payload_ref"`
	CreatedAt  time.Time `json:"created_at"`
}

// Entry is the persisted schedule for exactly one Item.
//
// NextFire is computed by the policy evaluator and is never earlier than the
// clock reading at computation time. LastFired is nil until the first
// successful delivery.
type Entry struct {
	Item
	Policy    policy.Policy `json:"policy"`
	NextFire  time.Time     `json:"next_fire"`
	LastFired *time.Time    `json:"last_fired,omitempty"`
}

// Due reports whether the entry should fire at now.
func (e Entry) Due(now time.Time) bool {
	return !e.NextFire.After(now)
}

// Equal compares entries by value (timestamps compared as instants).
func (e Entry) Equal(o Entry) bool {
	if e.ID != o.ID || e.PayloadRef != o.PayloadRef || !e.CreatedAt.Equal(o.CreatedAt) {
		return false
	}
	if !e.Policy.Equal(o.Policy) || !e.NextFire.Equal(o.NextFire) {
		return false
	}
	switch {
	case e.LastFired == nil && o.LastFired == nil:
		return true
	case e.LastFired == nil || o.LastFired == nil:
		return false
	default:
		return e.LastFired.Equal(*o.LastFired)
	}
}

// Delivery is handed to a sink when an entry fires.
//
// FireTime is the entry's scheduled next-fire timestamp. It does not change
// across retries of the same occurrence, so (ItemID, FireTime) identifies an
// occurrence for idempotent consumers.
type Delivery struct {
	ItemID     string    `json:"item_id"`
	PayloadRef string    `json:"payload_ref"`
	FireTime   time.Time `json:"fire_time"`
	Attempt    int       `json:"attempt"`
}

// Key returns the deduplication key of the occurrence.
func (d Delivery) Key() string {
	return d.ItemID + "@" + d.FireTime.UTC().Format(time.RFC3339Nano)
}

// ValidateID checks an item identifier.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(id) != id {
		return ErrBadID
	}
	if len(id) > 256 {
		return ErrBadID
	}
	return nil
}

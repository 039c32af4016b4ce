// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"time"
)

// Lock types for session leases
const (
	LockTypeRead  = "read"
	LockTypeWrite = "write"
)

// ValidLockTypes returns all valid lock type values
func ValidLockTypes() []string {
	return []string{LockTypeRead, LockTypeWrite}
}

// Lock event actions recorded in lock_history
const (
	ActionAcquired       = "acquired"
	ActionRenewed        = "renewed"
	ActionReleased       = "released"
	ActionExpired        = "expired"
	ActionForcedReleased = "forced_released"
	ActionConflict       = "conflict"
)

// SessionLock represents an active lease on an onboarding session.
// One row per (resource, holder); several read leases may coexist on a
// resource, but the partial unique index below guarantees at most one
// write lease per resource even under concurrent inserts.
type SessionLock struct {
	Token          string    `gorm:"primaryKey" json:"token"`
	ResourceID     string    `gorm:"not null;index:idx_session_locks_resource_holder,unique;index:idx_session_locks_write_excl,unique,where:lock_type = 'write'" json:"resource_id"`
	HolderID       string    `gorm:"not null;index:idx_session_locks_resource_holder,unique" json:"holder_id"`
	LockType       string    `gorm:"not null" json:"lock_type"`
	TTLSeconds     int       `gorm:"not null" json:"ttl_seconds"`
	AcquiredAt     time.Time `gorm:"not null" json:"acquired_at"`
	LastActivityAt time.Time `gorm:"not null" json:"last_activity_at"`
	ExpiresAt      time.Time `gorm:"not null;index" json:"expires_at"`
	ClientMetadata string    `gorm:"type:text" json:"client_metadata,omitempty"`
}

// TableName specifies the table name for SessionLock
func (SessionLock) TableName() string {
	return "session_locks"
}

// IsExpired returns true if the lease has passed its expiry
func (l *SessionLock) IsExpired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// VersionedResource tracks the optimistic-concurrency state of an
// onboarding session, independently of any lease on it. The conflict
// columns form a single-slot record of the most recent rejected write;
// each new conflict overwrites the previous one.
type VersionedResource struct {
	ResourceID              string     `gorm:"primaryKey" json:"resource_id"`
	Version                 int64      `gorm:"not null;default:1" json:"version"`
	LastModifiedBy          string     `json:"last_modified_by"`
	HasConflict             bool       `gorm:"not null;default:false" json:"has_conflict"`
	ConflictActorID         string     `json:"conflict_actor_id,omitempty"`
	ConflictAt              *time.Time `json:"conflict_at,omitempty"`
	ConflictExpectedVersion int64      `json:"conflict_expected_version,omitempty"`
	ConflictPayload         string     `gorm:"type:text" json:"conflict_payload,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// TableName specifies the table name for VersionedResource
func (VersionedResource) TableName() string {
	return "versioned_resources"
}

// LockEvent is one append-only row in the lock history. Rows are written
// inside the same transaction as the state transition they describe, so
// the auto-increment ID reflects commit order per resource.
type LockEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ResourceID string    `gorm:"not null;index" json:"resource_id"`
	ActorID    string    `gorm:"not null" json:"actor_id"`
	Action     string    `gorm:"not null" json:"action"`
	LockType   string    `json:"lock_type,omitempty"`
	Token      string    `json:"token,omitempty"`
	Metadata   string    `gorm:"type:text" json:"metadata,omitempty"`
	Timestamp  time.Time `gorm:"not null;index" json:"timestamp"`
}

// TableName specifies the table name for LockEvent
func (LockEvent) TableName() string {
	return "lock_history"
}

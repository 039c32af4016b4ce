// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package locking implements the lease-based lock manager for
// onboarding sessions. Leases are time-bounded, identified by an opaque
// token, and stored durably so that handlers in different processes see
// the same state. Every check-then-act runs inside one database
// transaction; nothing here blocks waiting for another actor.
package locking

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/onboardhq/sessionlock/internal/database"
	"github.com/onboardhq/sessionlock/internal/history"
)

// DefaultMaxTTL bounds the TTL a caller may request
const DefaultMaxTTL = time.Hour

// Manager issues, renews, and releases leases on session resources
type Manager struct {
	db      *gorm.DB
	history *history.Recorder
	maxTTL  time.Duration
}

// NewManager creates a new lock manager
func NewManager(db *gorm.DB, recorder *history.Recorder) *Manager {
	return &Manager{
		db:      db,
		history: recorder,
		maxTTL:  DefaultMaxTTL,
	}
}

// WithMaxTTL sets a custom upper bound for requested TTLs
func (m *Manager) WithMaxTTL(maxTTL time.Duration) *Manager {
	m.maxTTL = maxTTL
	return m
}

// Lease is the result of a successful acquire
type Lease struct {
	Token      string    `json:"token"`
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	LockType   string    `json:"lock_type"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LeaseInfo describes an active lease without exposing its token
type LeaseInfo struct {
	ResourceID     string    `json:"resource_id"`
	HolderID       string    `json:"holder_id"`
	LockType       string    `json:"lock_type"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func validLockType(lockType string) bool {
	for _, t := range database.ValidLockTypes() {
		if lockType == t {
			return true
		}
	}
	return false
}

// lockResourceTx serializes all acquires for one resource for the
// lifetime of the transaction. SQLite admits a single writer at a time,
// so the transaction itself is enough there. Postgres read-committed is
// not: two acquires can both scan an empty snapshot and insert rows
// that collide on no index (a read next to a write), so a per-resource
// advisory lock is taken before the scan and held until commit.
func lockResourceTx(tx *gorm.DB, resourceID string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", resourceID).Error; err != nil {
		return fmt.Errorf("failed to take resource lock: %w", err)
	}
	return nil
}

// Acquire attempts to take a lease on a resource. A write lease needs
// the complete absence of live leases from other actors; a read lease
// only needs the absence of another actor's write lease. If the actor
// already holds a live lease, it is refreshed in place (same token),
// upgraded to write when requested and nobody else holds the resource.
// A blocking lease from another actor yields *ConflictError and leaves
// all state untouched.
func (m *Manager) Acquire(resourceID, actorID, lockType string, ttl time.Duration, clientMetadata string) (*Lease, error) {
	if resourceID == "" || actorID == "" {
		return nil, fmt.Errorf("resource id and actor id are required")
	}
	if !validLockType(lockType) {
		return nil, fmt.Errorf("invalid lock type: %s", lockType)
	}
	if ttl < time.Second {
		return nil, fmt.Errorf("ttl must be at least one second")
	}
	if ttl > m.maxTTL {
		return nil, fmt.Errorf("ttl %s exceeds maximum %s", ttl, m.maxTTL)
	}

	now := time.Now()
	var lease *Lease

	err := m.db.Transaction(func(tx *gorm.DB) error {
		if err := lockResourceTx(tx, resourceID); err != nil {
			return err
		}

		var rows []database.SessionLock
		if err := tx.Where("resource_id = ?", resourceID).Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to load leases: %w", err)
		}

		var own *database.SessionLock
		var stale []database.SessionLock
		for i := range rows {
			if rows[i].IsExpired(now) {
				stale = append(stale, rows[i])
				continue
			}
			if rows[i].HolderID == actorID {
				own = &rows[i]
				continue
			}
			// Another actor holds a live lease. Any lease blocks a
			// competing write; a write lease blocks everything.
			if lockType == database.LockTypeWrite || rows[i].LockType == database.LockTypeWrite {
				return &ConflictError{
					ResourceID: resourceID,
					HolderID:   rows[i].HolderID,
					LockType:   rows[i].LockType,
					HeldSince:  rows[i].AcquiredAt,
				}
			}
		}

		// Expired rows blocking the grant are reclaimed here with the
		// same semantics the sweeper applies, expired event included.
		for i := range stale {
			if _, err := ReclaimExpired(tx, m.history, &stale[i], now); err != nil {
				return err
			}
		}

		expiresAt := now.Add(ttl)

		if own != nil {
			newType := own.LockType
			if lockType == database.LockTypeWrite {
				newType = database.LockTypeWrite
			}
			updates := map[string]interface{}{
				"lock_type":        newType,
				"ttl_seconds":      int(ttl / time.Second),
				"last_activity_at": now,
				"expires_at":       expiresAt,
			}
			if clientMetadata != "" {
				updates["client_metadata"] = clientMetadata
			}
			if err := tx.Model(&database.SessionLock{}).Where("token = ?", own.Token).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to refresh lease: %w", err)
			}
			if err := m.history.Append(tx, &database.LockEvent{
				ResourceID: resourceID,
				ActorID:    actorID,
				Action:     database.ActionAcquired,
				LockType:   newType,
				Token:      own.Token,
				Metadata:   clientMetadata,
				Timestamp:  now,
			}); err != nil {
				return err
			}
			lease = &Lease{
				Token:      own.Token,
				ResourceID: resourceID,
				HolderID:   actorID,
				LockType:   newType,
				AcquiredAt: own.AcquiredAt,
				ExpiresAt:  expiresAt,
			}
			return nil
		}

		row := database.SessionLock{
			Token:          uuid.NewString(),
			ResourceID:     resourceID,
			HolderID:       actorID,
			LockType:       lockType,
			TTLSeconds:     int(ttl / time.Second),
			AcquiredAt:     now,
			LastActivityAt: now,
			ExpiresAt:      expiresAt,
			ClientMetadata: clientMetadata,
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// A concurrent acquire committed between our check and
				// the insert and the unique indexes rejected us.
				return m.lostInsertRace(resourceID, lockType, now)
			}
			return fmt.Errorf("failed to create lease: %w", err)
		}
		if err := m.history.Append(tx, &database.LockEvent{
			ResourceID: resourceID,
			ActorID:    actorID,
			Action:     database.ActionAcquired,
			LockType:   lockType,
			Token:      row.Token,
			Metadata:   clientMetadata,
			Timestamp:  now,
		}); err != nil {
			return err
		}
		lease = &Lease{
			Token:      row.Token,
			ResourceID: resourceID,
			HolderID:   actorID,
			LockType:   lockType,
			AcquiredAt: now,
			ExpiresAt:  expiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// lostInsertRace builds the ConflictError for an insert rejected by the
// unique indexes. The winning row is already committed by then, so it
// is read outside the aborted transaction to name the holder.
func (m *Manager) lostInsertRace(resourceID, lockType string, now time.Time) error {
	var rows []database.SessionLock
	if err := m.db.Where("resource_id = ? AND expires_at > ?", resourceID, now).
		Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load winning lease: %w", err)
	}
	for _, row := range rows {
		if lockType == database.LockTypeWrite || row.LockType == database.LockTypeWrite {
			return &ConflictError{
				ResourceID: resourceID,
				HolderID:   row.HolderID,
				LockType:   row.LockType,
				HeldSince:  row.AcquiredAt,
			}
		}
	}
	// Winner released or expired in the meantime; the caller can simply
	// retry.
	return &ConflictError{
		ResourceID: resourceID,
		LockType:   lockType,
		HeldSince:  now,
	}
}

// Renew extends a live lease by its original TTL, counted from now, and
// bumps last_activity_at. An unknown, released, or expired token yields
// *InvalidTokenError; an expired lease is never revived because a
// competing lease may already have been granted over it.
func (m *Manager) Renew(token string) (time.Time, error) {
	now := time.Now()
	var newExpiry time.Time

	err := m.db.Transaction(func(tx *gorm.DB) error {
		var row database.SessionLock
		if err := tx.Where("token = ?", token).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &InvalidTokenError{Token: token}
			}
			return fmt.Errorf("failed to load lease: %w", err)
		}
		if row.IsExpired(now) {
			return &InvalidTokenError{Token: token}
		}

		newExpiry = now.Add(time.Duration(row.TTLSeconds) * time.Second)
		result := tx.Model(&database.SessionLock{}).
			Where("token = ? AND expires_at > ?", token, now).
			Updates(map[string]interface{}{
				"expires_at":       newExpiry,
				"last_activity_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to renew lease: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &InvalidTokenError{Token: token}
		}

		return m.history.Append(tx, &database.LockEvent{
			ResourceID: row.ResourceID,
			ActorID:    row.HolderID,
			Action:     database.ActionRenewed,
			LockType:   row.LockType,
			Token:      token,
			Timestamp:  now,
		})
	})
	if err != nil {
		return time.Time{}, err
	}
	return newExpiry, nil
}

// Release deletes a live lease. Releasing a token that is unknown,
// already released, or expired yields *InvalidTokenError so callers can
// tell "done" from "your lease was already gone".
func (m *Manager) Release(token string) error {
	now := time.Now()

	return m.db.Transaction(func(tx *gorm.DB) error {
		var row database.SessionLock
		if err := tx.Where("token = ?", token).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &InvalidTokenError{Token: token}
			}
			return fmt.Errorf("failed to load lease: %w", err)
		}

		result := tx.Where("token = ? AND expires_at > ?", token, now).
			Delete(&database.SessionLock{})
		if result.Error != nil {
			return fmt.Errorf("failed to release lease: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &InvalidTokenError{Token: token}
		}

		return m.history.Append(tx, &database.LockEvent{
			ResourceID: row.ResourceID,
			ActorID:    row.HolderID,
			Action:     database.ActionReleased,
			LockType:   row.LockType,
			Token:      token,
			Timestamp:  now,
		})
	})
}

// ForceRelease removes every lease on a resource regardless of holder.
// Who may call this is the caller's policy; the manager only executes
// and records it, tagging the requesting actor on each event. Returns
// *NotFoundError when the resource has no leases at all.
func (m *Manager) ForceRelease(resourceID, requestingActorID string) error {
	now := time.Now()

	return m.db.Transaction(func(tx *gorm.DB) error {
		var rows []database.SessionLock
		if err := tx.Where("resource_id = ?", resourceID).Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to load leases: %w", err)
		}
		if len(rows) == 0 {
			return &NotFoundError{ResourceID: resourceID}
		}

		for i := range rows {
			row := rows[i]
			result := tx.Where("token = ?", row.Token).Delete(&database.SessionLock{})
			if result.Error != nil {
				return fmt.Errorf("failed to force-release lease: %w", result.Error)
			}

			meta, _ := json.Marshal(map[string]string{
				"holder_id": row.HolderID,
			})
			if err := m.history.Append(tx, &database.LockEvent{
				ResourceID: resourceID,
				ActorID:    requestingActorID,
				Action:     database.ActionForcedReleased,
				LockType:   row.LockType,
				Token:      row.Token,
				Metadata:   string(meta),
				Timestamp:  now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// QueryStatus returns the live leases on a resource. Read-only: it does
// not touch last_activity_at. An empty slice means the resource is free.
func (m *Manager) QueryStatus(resourceID string) ([]LeaseInfo, error) {
	now := time.Now()

	var rows []database.SessionLock
	if err := m.db.Where("resource_id = ? AND expires_at > ?", resourceID, now).
		Order("acquired_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query lease status: %w", err)
	}

	infos := make([]LeaseInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, LeaseInfo{
			ResourceID:     row.ResourceID,
			HolderID:       row.HolderID,
			LockType:       row.LockType,
			AcquiredAt:     row.AcquiredAt,
			LastActivityAt: row.LastActivityAt,
			ExpiresAt:      row.ExpiresAt,
		})
	}
	return infos, nil
}

// ReclaimExpired migrates one expired lease to history and deletes it.
// The delete re-checks expires_at so a renew that committed after the
// caller observed the row is never clobbered; in that case nothing is
// deleted and no event is written. Returns whether the row was
// reclaimed. Shared by the sweeper and by Acquire's inline reclamation.
func ReclaimExpired(tx *gorm.DB, recorder *history.Recorder, row *database.SessionLock, now time.Time) (bool, error) {
	result := tx.Where("token = ? AND expires_at <= ?", row.Token, now).
		Delete(&database.SessionLock{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete expired lease: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	meta, _ := json.Marshal(map[string]interface{}{
		"held_for_seconds": int64(now.Sub(row.AcquiredAt) / time.Second),
	})
	if err := recorder.Append(tx, &database.LockEvent{
		ResourceID: row.ResourceID,
		ActorID:    row.HolderID,
		Action:     database.ActionExpired,
		LockType:   row.LockType,
		Token:      row.Token,
		Metadata:   string(meta),
		Timestamp:  now,
	}); err != nil {
		return false, err
	}
	return true, nil
}

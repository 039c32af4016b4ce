// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package versioning implements optimistic concurrency control for
// onboarding session records. Writers present the version they last
// observed; the controller commits only when it still matches, and
// records every rejected attempt durably before reporting it. Lease
// state is deliberately not consulted here: holding a write lease
// before committing is the calling layer's convention, which keeps the
// two concerns independently testable.
package versioning

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/onboardhq/sessionlock/internal/database"
	"github.com/onboardhq/sessionlock/internal/history"
)

// NotFoundError is returned when a resource is not under version control
type NotFoundError struct {
	ResourceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource %s is not under version control", e.ResourceID)
}

// Controller performs conditional updates against versioned_resources
type Controller struct {
	db      *gorm.DB
	history *history.Recorder
}

// NewController creates a new version controller
func NewController(db *gorm.DB, recorder *history.Recorder) *Controller {
	return &Controller{db: db, history: recorder}
}

// UpdateResult is the outcome of an UpdateWithVersionCheck call. On
// success NewVersion holds the committed version; on conflict
// CurrentVersion holds the authoritative version the caller should
// re-fetch against, and ConflictRecorded confirms the attempt was
// written to the conflict slot and history before returning.
type UpdateResult struct {
	Success          bool  `json:"success"`
	NewVersion       int64 `json:"new_version,omitempty"`
	CurrentVersion   int64 `json:"current_version,omitempty"`
	ConflictRecorded bool  `json:"conflict_recorded,omitempty"`
}

// Ensure places a resource under version control at version 1. Calling
// it again for an existing resource is a no-op returning current state.
func (c *Controller) Ensure(resourceID string) (*database.VersionedResource, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("resource id is required")
	}

	resource := database.VersionedResource{
		ResourceID: resourceID,
		Version:    1,
	}
	if err := c.db.Where("resource_id = ?", resourceID).
		FirstOrCreate(&resource).Error; err != nil {
		return nil, fmt.Errorf("failed to ensure versioned resource: %w", err)
	}
	return &resource, nil
}

// Get returns the current versioned state of a resource
func (c *Controller) Get(resourceID string) (*database.VersionedResource, error) {
	var resource database.VersionedResource
	if err := c.db.Where("resource_id = ?", resourceID).First(&resource).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{ResourceID: resourceID}
		}
		return nil, fmt.Errorf("failed to load versioned resource: %w", err)
	}
	return &resource, nil
}

// UpdateWithVersionCheck commits a write if and only if the resource's
// version still equals expectedVersion. The compare and the increment
// happen in one conditional UPDATE, so two racing writers presenting
// the same version produce exactly one success and one conflict. A
// stale write never touches version or last_modified_by; instead the
// attempt overwrites the single-slot conflict record and appends a
// conflict event, all committed before the result is returned.
func (c *Controller) UpdateWithVersionCheck(resourceID string, expectedVersion int64, payload, actorID string) (*UpdateResult, error) {
	if resourceID == "" || actorID == "" {
		return nil, fmt.Errorf("resource id and actor id are required")
	}

	now := time.Now()
	var outcome *UpdateResult

	err := c.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&database.VersionedResource{}).
			Where("resource_id = ? AND version = ?", resourceID, expectedVersion).
			Updates(map[string]interface{}{
				"version":                   gorm.Expr("version + 1"),
				"last_modified_by":          actorID,
				"has_conflict":              false,
				"conflict_actor_id":         "",
				"conflict_at":               nil,
				"conflict_expected_version": 0,
				"conflict_payload":          "",
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update versioned resource: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			outcome = &UpdateResult{
				Success:    true,
				NewVersion: expectedVersion + 1,
			}
			return nil
		}

		// Stale version (or unknown resource). Record the rejected
		// attempt: the loser's data, never the winner's.
		var current database.VersionedResource
		if err := tx.Where("resource_id = ?", resourceID).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{ResourceID: resourceID}
			}
			return fmt.Errorf("failed to load versioned resource: %w", err)
		}

		if err := tx.Model(&database.VersionedResource{}).
			Where("resource_id = ?", resourceID).
			Updates(map[string]interface{}{
				"has_conflict":              true,
				"conflict_actor_id":         actorID,
				"conflict_at":               now,
				"conflict_expected_version": expectedVersion,
				"conflict_payload":          payload,
			}).Error; err != nil {
			return fmt.Errorf("failed to record conflict: %w", err)
		}

		meta, _ := json.Marshal(map[string]interface{}{
			"expected_version": expectedVersion,
			"current_version":  current.Version,
		})
		if err := c.history.Append(tx, &database.LockEvent{
			ResourceID: resourceID,
			ActorID:    actorID,
			Action:     database.ActionConflict,
			Metadata:   string(meta),
			Timestamp:  now,
		}); err != nil {
			return err
		}

		outcome = &UpdateResult{
			Success:          false,
			CurrentVersion:   current.Version,
			ConflictRecorded: true,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

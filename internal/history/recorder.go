// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package history provides the append-only lock_history writer and
// reader. Rows are never updated or deleted; every lease lifecycle
// transition and every version conflict produces exactly one row,
// appended inside the transaction that performed the transition.
package history

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/onboardhq/sessionlock/internal/database"
)

// Recorder appends and queries lock lifecycle events
type Recorder struct {
	db *gorm.DB
}

// NewRecorder creates a new history recorder
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Append writes a single event. Pass the caller's open transaction as tx
// so the event commits atomically with the state transition it records;
// tx may be nil for standalone appends.
func (r *Recorder) Append(tx *gorm.DB, event *database.LockEvent) error {
	if tx == nil {
		tx = r.db
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := tx.Create(event).Error; err != nil {
		return fmt.Errorf("failed to append lock event: %w", err)
	}
	return nil
}

// Query returns events for a resource in append order. If since is
// non-nil, only events at or after that timestamp are returned.
func (r *Recorder) Query(resourceID string, since *time.Time) ([]database.LockEvent, error) {
	q := r.db.Where("resource_id = ?", resourceID)
	if since != nil {
		q = q.Where("timestamp >= ?", *since)
	}

	var events []database.LockEvent
	if err := q.Order("id asc").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to query lock history: %w", err)
	}
	return events, nil
}

// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sweeper

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/onboardhq/sessionlock/internal/database"
	"github.com/onboardhq/sessionlock/internal/history"
	"github.com/onboardhq/sessionlock/internal/locking"
)

// Sweeper reclaims expired leases on a fixed interval. It runs
// independently of request handling; a failed sweep is logged and
// retried on the next tick, delaying reclamation but never corrupting
// lease state.
type Sweeper struct {
	db       *gorm.DB
	history  *history.Recorder
	interval time.Duration
	stopChan chan bool
}

// NewSweeper creates a new sweeper
func NewSweeper(db *gorm.DB, recorder *history.Recorder, interval time.Duration) *Sweeper {
	return &Sweeper{
		db:       db,
		history:  recorder,
		interval: interval,
		stopChan: make(chan bool),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				if _, err := s.SweepOnce(); err != nil {
					log.Printf("Lease sweep failed: %v", err)
				}
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the sweep loop
func (s *Sweeper) Stop() {
	s.stopChan <- true
}

// SweepOnce reclaims every lease whose expiry has passed, appending an
// expired event for each before deleting it. Each row is handled in its
// own transaction, and the delete re-checks freshness so a renew that
// committed after the row was selected wins over the sweep. Returns the
// number of leases reclaimed.
func (s *Sweeper) SweepOnce() (int, error) {
	now := time.Now()

	var rows []database.SessionLock
	if err := s.db.Where("expires_at < ?", now).Find(&rows).Error; err != nil {
		return 0, err
	}

	reclaimed := 0
	for i := range rows {
		row := rows[i]
		err := s.db.Transaction(func(tx *gorm.DB) error {
			swept, err := locking.ReclaimExpired(tx, s.history, &row, now)
			if err != nil {
				return err
			}
			if swept {
				reclaimed++
			}
			return nil
		})
		if err != nil {
			log.Printf("Failed to reclaim lease %s on %s: %v", row.Token, row.ResourceID, err)
		}
	}
	return reclaimed, nil
}

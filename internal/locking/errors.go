// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package locking

import (
	"fmt"
	"time"
)

// ConflictError is returned when a lease is already held by another
// actor. It is recoverable: the caller should retry later or surface
// the holder to the user.
type ConflictError struct {
	ResourceID string
	HolderID   string
	LockType   string
	HeldSince  time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %s is locked (%s) by %s since %s",
		e.ResourceID, e.LockType, e.HolderID, e.HeldSince.Format(time.RFC3339))
}

// InvalidTokenError is returned when no live lease matches a token:
// it never existed, was released, or was reclaimed as expired. The
// caller must re-acquire.
type InvalidTokenError struct {
	Token string
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("no active lease matches token %s", e.Token)
}

// NotFoundError is returned when there is nothing to act on for a
// resource.
type NotFoundError struct {
	ResourceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no lease found for resource %s", e.ResourceID)
}

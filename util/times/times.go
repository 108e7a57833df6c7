// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package times contains time utility functions for the key server.
package times

import (
	"time"
)

// Day defines the number of seconds in a day.
const Day = uint64(24 * 60 * 60)

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// Tomorrow returns the time 24 hours from now in UTC.
func Tomorrow() time.Time {
	return time.Now().UTC().Add(24 * time.Hour)
}

// DaysLater returns the time n days later from now in UTC.
func DaysLater(n int) time.Time {
	return time.Now().UTC().AddDate(0, 0, n)
}

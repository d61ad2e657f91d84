// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// ErrNoCadence is returned for a cadence with neither interval nor cron.
var ErrNoCadence = errors.New("cadence has neither interval nor cron expression")

// NextRun returns the first time after last at which c fires.
//
// # Description
//
// Cron expressions use the standard five fields and the @every/@daily
// descriptors. A cron cadence takes precedence over an interval.
func NextRun(c datatypes.Cadence, last time.Time) (time.Time, error) {
	if c.Cron != "" {
		sched, err := cron.ParseStandard(c.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", c.Cron, err)
		}
		return sched.Next(last), nil
	}
	if c.Interval > 0 {
		return last.Add(c.Interval), nil
	}
	return time.Time{}, ErrNoCadence
}

// Due reports whether a job last run at last should run at now. A job that
// never ran is due immediately.
func Due(c datatypes.Cadence, last, now time.Time) (bool, error) {
	next, err := NextRun(c, last)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return true, nil
	}
	return !now.Before(next), nil
}

// ValidateCadence checks c without evaluating it.
func ValidateCadence(c datatypes.Cadence) error {
	_, err := NextRun(c, time.Time{})
	return err
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devicelock serializes session acquisition per device.
//
// Concurrent audit runs, backups and remediations may target the same device.
// Only one of them holds a session at a time; the others wait, or give up
// when their context ends.
package devicelock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locker hands out exclusive per-device leases.
//
// # Thread Safety
//
// Locker is safe for concurrent use. Entries are dropped when the last
// holder or waiter releases, so the map does not grow with the fleet size.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Acquire blocks until the device is free or ctx ends.
//
// # Outputs
//
//   - func(): Releases the lease. Safe to call more than once.
//   - error: Non-nil if ctx ended first.
func (l *Locker) Acquire(ctx context.Context, deviceID string) (func(), error) {
	e := l.ref(deviceID)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(deviceID)
		return nil, fmt.Errorf("acquire device %s: %w", deviceID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(deviceID)
		})
	}, nil
}

// TryAcquire takes the lease only if the device is free.
func (l *Locker) TryAcquire(deviceID string) (func(), bool) {
	e := l.ref(deviceID)
	if !e.sem.TryAcquire(1) {
		l.unref(deviceID)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(deviceID)
		})
	}, true
}

// Held reports the number of devices with a holder or waiter.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locker) ref(deviceID string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[deviceID]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.locks[deviceID] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[deviceID]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(l.locks, deviceID)
	}
}

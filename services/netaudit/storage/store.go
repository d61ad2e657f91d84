// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists the audit engine's logical schema in BadgerDB.
//
// # Description
//
// Store is the persistence boundary consumed by every component: devices,
// versioned rules, audit runs and their findings, content-addressed config
// backups with a per-device baseline pointer, drift events, remediation
// actions, backoff state, health status, audit schedules and discovery
// groups. Records are JSON encoded.
//
// Two updates need more than a plain write and are done inside a single
// badger transaction, retried on badger.ErrConflict:
//   - backoff state is read-modify-written per device (UpdateBackoff);
//   - the first backup of a device claims the baseline pointer only if it is
//     still unset (AddBackup), a compare-and-swap on that key.
//
// # Key Layout
//
//	device/<id>                          Device
//	devaddr/<address>                    device id (discovery dedupe)
//	backoff/<id>                         BackoffState
//	health/<id>                          HealthStatus
//	rule/<id>/<version %010d>            Rule
//	rulehead/<id>                        latest version
//	run/<id>                             AuditRun
//	devrun/<device id>                   id of the device's latest run
//	finding/<id>                         Finding
//	runfinding/<run id>/<finding id>     index
//	backup/<device>/<unix nano %020d>/<id> ConfigBackup
//	backupid/<id>                        backup key
//	baseline/<device>                    backup id
//	blob/<sha256>                        content
//	blobref/<sha256>                     reference count
//	drift/<id>                           DriftEvent
//	devdrift/<device>/<id>               index
//	remediation/<id>                     RemediationAction
//	devremediation/<device>/<id>         index
//	schedule/<id>                        AuditSchedule
//	discovery/<id>                       DiscoveryGroup
//	meta/devices                         registration stamp
//
// # Thread Safety
//
// BadgerStore is safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBaselineProtected is returned when deleting the active baseline.
	ErrBaselineProtected = errors.New("active baseline cannot be deleted")
)

// Store is the persistence boundary over the logical schema.
type Store interface {
	DeviceStore
	RuleStore
	RunStore
	BackupStore
	DriftStore
	RemediationStore
	BackoffStore
	HealthStore
	ScheduleStore
}

// DeviceStore persists devices.
type DeviceStore interface {
	PutDevice(ctx context.Context, d *datatypes.Device) error
	GetDevice(ctx context.Context, id string) (*datatypes.Device, error)
	ListDevices(ctx context.Context) ([]*datatypes.Device, error)
	FindDeviceByAddress(ctx context.Context, address string) (*datatypes.Device, error)

	// RegisterDevices stores candidates in order until the total device
	// count reaches limit (limit <= 0 means unlimited). Candidates whose
	// address is already registered are returned as known and do not count.
	RegisterDevices(ctx context.Context, candidates []*datatypes.Device, limit int) (Registration, error)
}

// Registration is the outcome of RegisterDevices.
type Registration struct {
	Registered []*datatypes.Device
	Rejected   []*datatypes.Device
	Known      []*datatypes.Device
}

// RuleStore persists versioned rules.
type RuleStore interface {
	// SaveRule stores r as the next version of r.ID and returns the stored
	// copy with Version and CreatedAt set.
	SaveRule(ctx context.Context, r *datatypes.Rule) (*datatypes.Rule, error)
	GetRule(ctx context.Context, id string) (*datatypes.Rule, error)
	GetRuleVersion(ctx context.Context, id string, version int) (*datatypes.Rule, error)
	ListRules(ctx context.Context) ([]*datatypes.Rule, error)
}

// RunStore persists audit runs and findings.
type RunStore interface {
	PutRun(ctx context.Context, run *datatypes.AuditRun) error
	GetRun(ctx context.Context, id string) (*datatypes.AuditRun, error)
	LatestRunForDevice(ctx context.Context, deviceID string) (*datatypes.AuditRun, error)
	PutFindings(ctx context.Context, findings []datatypes.Finding) error
	GetFinding(ctx context.Context, id string) (*datatypes.Finding, error)
	ListFindings(ctx context.Context, runID string) ([]datatypes.Finding, error)
}

// BackupStore persists config backups and their content.
type BackupStore interface {
	// AddBackup stores content once per hash and appends the record. When
	// the device has no baseline the new backup claims it atomically.
	AddBackup(ctx context.Context, b *datatypes.ConfigBackup, content []byte) (*datatypes.ConfigBackup, error)
	ListBackups(ctx context.Context, deviceID string) ([]*datatypes.ConfigBackup, error)
	LatestBackup(ctx context.Context, deviceID string) (*datatypes.ConfigBackup, error)
	GetBaseline(ctx context.Context, deviceID string) (*datatypes.ConfigBackup, error)
	SetBaseline(ctx context.Context, deviceID, backupID string) error
	GetContent(ctx context.Context, hash string) ([]byte, error)

	// DeleteBackups removes records and drops content no longer referenced.
	DeleteBackups(ctx context.Context, deviceID string, backupIDs []string) (int, error)
}

// DriftStore persists drift events.
type DriftStore interface {
	PutDrift(ctx context.Context, e *datatypes.DriftEvent) error
	GetDrift(ctx context.Context, id string) (*datatypes.DriftEvent, error)
	ListDrift(ctx context.Context, deviceID string) ([]*datatypes.DriftEvent, error)
	AcknowledgeDrift(ctx context.Context, id string) error
}

// RemediationStore persists remediation actions.
type RemediationStore interface {
	PutRemediation(ctx context.Context, a *datatypes.RemediationAction) error
	GetRemediation(ctx context.Context, id string) (*datatypes.RemediationAction, error)
	ListRemediations(ctx context.Context, deviceID string) ([]*datatypes.RemediationAction, error)
}

// BackoffStore persists per-device backoff state.
type BackoffStore interface {
	GetBackoff(ctx context.Context, deviceID string) (datatypes.BackoffState, error)

	// UpdateBackoff applies fn to the current state atomically. fn may run
	// more than once if the transaction conflicts.
	UpdateBackoff(ctx context.Context, deviceID string, fn func(*datatypes.BackoffState) error) (datatypes.BackoffState, error)
}

// HealthStore persists the latest health status per device.
type HealthStore interface {
	PutHealth(ctx context.Context, h *datatypes.HealthStatus) error
	GetHealth(ctx context.Context, deviceID string) (*datatypes.HealthStatus, error)
}

// ScheduleStore persists audit schedules and discovery groups.
type ScheduleStore interface {
	PutSchedule(ctx context.Context, s *datatypes.AuditSchedule) error
	ListSchedules(ctx context.Context) ([]*datatypes.AuditSchedule, error)
	MarkScheduleRun(ctx context.Context, id string, at time.Time) error
	PutDiscoveryGroup(ctx context.Context, g *datatypes.DiscoveryGroup) error
	ListDiscoveryGroups(ctx context.Context) ([]*datatypes.DiscoveryGroup, error)
	MarkDiscoveryRun(ctx context.Context, id string, at time.Time) error
}

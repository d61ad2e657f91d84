// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// BadgerStore implements Store on BadgerDB.
type BadgerStore struct {
	db  *DB
	now func() time.Time
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

// Open opens the database described by cfg and returns a store over it.
// Close releases the database.
func Open(cfg Config) (*BadgerStore, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db), nil
}

// OpenInMemory returns a store over a fresh in-memory database.
func OpenInMemory() (*BadgerStore, error) {
	return Open(InMemoryConfig())
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database.
func (s *BadgerStore) DB() *DB {
	return s.db
}

// =============================================================================
// Encoding helpers
// =============================================================================

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, "/"))
}

func getJSON[T any](txn *badger.Txn, k []byte) (*T, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out T
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	}); err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	return &out, nil
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	return txn.Set(k, raw)
}

func getString(txn *badger.Txn, k []byte) (string, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// scanJSON decodes every value under prefix in key order.
func scanJSON[T any](txn *badger.Txn, prefix []byte) ([]*T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*T
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var v T
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return nil, fmt.Errorf("decode %s: %w", item.Key(), err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// scanKeys returns the key suffixes under prefix.
func scanKeys(txn *badger.Txn, prefix []byte) []string {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefix):]))
	}
	return out
}

// =============================================================================
// Devices
// =============================================================================

// PutDevice implements DeviceStore. The backoff state is owned by
// UpdateBackoff and is not written here.
func (s *BadgerStore) PutDevice(ctx context.Context, d *datatypes.Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		prev, err := getJSON[datatypes.Device](txn, key("device", d.ID))
		switch {
		case errors.Is(err, ErrNotFound):
			if err := touchRegistry(txn); err != nil {
				return err
			}
		case err != nil:
			return err
		case prev.Address != d.Address:
			if err := txn.Delete(key("devaddr", prev.Address)); err != nil {
				return err
			}
		}
		stored := *d
		stored.Backoff = datatypes.BackoffState{}
		if err := setJSON(txn, key("device", d.ID), &stored); err != nil {
			return err
		}
		return txn.Set(key("devaddr", d.Address), []byte(d.ID))
	})
}

// GetDevice implements DeviceStore.
func (s *BadgerStore) GetDevice(ctx context.Context, id string) (*datatypes.Device, error) {
	var out *datatypes.Device
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		d, err := getJSON[datatypes.Device](txn, key("device", id))
		if err != nil {
			return err
		}
		if b, err := getJSON[datatypes.BackoffState](txn, key("backoff", id)); err == nil {
			d.Backoff = *b
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", id, err)
	}
	return out, nil
}

// ListDevices implements DeviceStore.
func (s *BadgerStore) ListDevices(ctx context.Context) ([]*datatypes.Device, error) {
	var out []*datatypes.Device
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		devices, err := scanJSON[datatypes.Device](txn, []byte("device/"))
		if err != nil {
			return err
		}
		for _, d := range devices {
			if b, err := getJSON[datatypes.BackoffState](txn, key("backoff", d.ID)); err == nil {
				d.Backoff = *b
			}
		}
		out = devices
		return nil
	})
	return out, err
}

// FindDeviceByAddress implements DeviceStore.
func (s *BadgerStore) FindDeviceByAddress(ctx context.Context, address string) (*datatypes.Device, error) {
	var id string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		id, err = getString(txn, key("devaddr", address))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("device at %s: %w", address, err)
	}
	return s.GetDevice(ctx, id)
}

// registryKey is read and rewritten by every transaction that adds devices.
// Badger does not detect phantom inserts into an iterated range, so the
// shared key is what makes concurrent registrations conflict.
var registryKey = []byte("meta/devices")

func touchRegistry(txn *badger.Txn) error {
	if _, err := txn.Get(registryKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(registryKey, []byte(strconv.FormatInt(time.Now().UnixNano(), 10)))
}

// RegisterDevices implements DeviceStore. Counting and inserting happen in
// one transaction, so concurrent registrations cannot overshoot the limit.
func (s *BadgerStore) RegisterDevices(ctx context.Context, candidates []*datatypes.Device, limit int) (Registration, error) {
	var reg Registration
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		reg = Registration{}
		if err := touchRegistry(txn); err != nil {
			return err
		}
		count := len(scanKeys(txn, []byte("device/")))
		now := s.now().UTC()

		for _, c := range candidates {
			if _, err := getString(txn, key("devaddr", c.Address)); err == nil {
				reg.Known = append(reg.Known, c)
				continue
			}
			if limit > 0 && count >= limit {
				reg.Rejected = append(reg.Rejected, c)
				continue
			}

			d := *c
			if d.ID == "" {
				d.ID = uuid.NewString()
			}
			d.CreatedAt, d.UpdatedAt = now, now
			if err := setJSON(txn, key("device", d.ID), &d); err != nil {
				return err
			}
			if err := txn.Set(key("devaddr", d.Address), []byte(d.ID)); err != nil {
				return err
			}
			count++
			reg.Registered = append(reg.Registered, &d)
		}
		return nil
	})
	return reg, err
}

// =============================================================================
// Rules
// =============================================================================

func ruleVersionKey(id string, version int) []byte {
	return key("rule", id, fmt.Sprintf("%010d", version))
}

// SaveRule implements RuleStore.
func (s *BadgerStore) SaveRule(ctx context.Context, r *datatypes.Rule) (*datatypes.Rule, error) {
	if r.ID == "" {
		return nil, errors.New("rule id is required")
	}
	var saved datatypes.Rule
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		version := 1
		if head, err := getString(txn, key("rulehead", r.ID)); err == nil {
			prev, perr := strconv.Atoi(head)
			if perr != nil {
				return fmt.Errorf("corrupt rule head for %s: %w", r.ID, perr)
			}
			version = prev + 1
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		saved = *r
		saved.Version = version
		saved.CreatedAt = s.now().UTC()
		if err := setJSON(txn, ruleVersionKey(r.ID, version), &saved); err != nil {
			return err
		}
		return txn.Set(key("rulehead", r.ID), []byte(strconv.Itoa(version)))
	})
	if err != nil {
		return nil, fmt.Errorf("save rule %s: %w", r.ID, err)
	}
	return &saved, nil
}

// GetRule implements RuleStore and returns the latest version.
func (s *BadgerStore) GetRule(ctx context.Context, id string) (*datatypes.Rule, error) {
	var out *datatypes.Rule
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		head, err := getString(txn, key("rulehead", id))
		if err != nil {
			return err
		}
		version, err := strconv.Atoi(head)
		if err != nil {
			return fmt.Errorf("corrupt rule head: %w", err)
		}
		out, err = getJSON[datatypes.Rule](txn, ruleVersionKey(id, version))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", id, err)
	}
	return out, nil
}

// GetRuleVersion implements RuleStore.
func (s *BadgerStore) GetRuleVersion(ctx context.Context, id string, version int) (*datatypes.Rule, error) {
	var out *datatypes.Rule
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[datatypes.Rule](txn, ruleVersionKey(id, version))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("rule %s v%d: %w", id, version, err)
	}
	return out, nil
}

// ListRules implements RuleStore and returns the latest version of each rule.
func (s *BadgerStore) ListRules(ctx context.Context) ([]*datatypes.Rule, error) {
	var out []*datatypes.Rule
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		for _, id := range scanKeys(txn, []byte("rulehead/")) {
			head, err := getString(txn, key("rulehead", id))
			if err != nil {
				return err
			}
			version, err := strconv.Atoi(head)
			if err != nil {
				return fmt.Errorf("corrupt rule head for %s: %w", id, err)
			}
			r, err := getJSON[datatypes.Rule](txn, ruleVersionKey(id, version))
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// =============================================================================
// Runs and findings
// =============================================================================

// PutRun implements RunStore and points each covered device at this run.
func (s *BadgerStore) PutRun(ctx context.Context, run *datatypes.AuditRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, key("run", run.ID), run); err != nil {
			return err
		}
		for _, d := range run.DeviceIDs {
			if err := txn.Set(key("devrun", d), []byte(run.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRun implements RunStore.
func (s *BadgerStore) GetRun(ctx context.Context, id string) (*datatypes.AuditRun, error) {
	var out *datatypes.AuditRun
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[datatypes.AuditRun](txn, key("run", id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	return out, nil
}

// LatestRunForDevice implements RunStore.
func (s *BadgerStore) LatestRunForDevice(ctx context.Context, deviceID string) (*datatypes.AuditRun, error) {
	var runID string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		runID, err = getString(txn, key("devrun", deviceID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("latest run for %s: %w", deviceID, err)
	}
	return s.GetRun(ctx, runID)
}

// PutFindings implements RunStore.
func (s *BadgerStore) PutFindings(ctx context.Context, findings []datatypes.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range findings {
		f := &findings[i]
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		raw, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode finding: %w", err)
		}
		if err := wb.Set(key("finding", f.ID), raw); err != nil {
			return err
		}
		if err := wb.Set(key("runfinding", f.RunID, f.ID), nil); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return wb.Flush()
}

// GetFinding implements RunStore.
func (s *BadgerStore) GetFinding(ctx context.Context, id string) (*datatypes.Finding, error) {
	var out *datatypes.Finding
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[datatypes.Finding](txn, key("finding", id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", id, err)
	}
	return out, nil
}

// ListFindings implements RunStore, ordered by evaluation time.
func (s *BadgerStore) ListFindings(ctx context.Context, runID string) ([]datatypes.Finding, error) {
	var out []datatypes.Finding
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		for _, id := range scanKeys(txn, key("runfinding", runID, "")) {
			f, err := getJSON[datatypes.Finding](txn, key("finding", id))
			if err != nil {
				return err
			}
			out = append(out, *f)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].EvaluatedAt.Before(out[j].EvaluatedAt) })
	return out, err
}

// =============================================================================
// Backups
// =============================================================================

func backupKey(b *datatypes.ConfigBackup) []byte {
	return key("backup", b.DeviceID, fmt.Sprintf("%020d", b.CreatedAt.UnixNano()), b.ID)
}

func refCount(txn *badger.Txn, hash string) (int, error) {
	v, err := getString(txn, key("blobref", hash))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

// AddBackup implements BackupStore.
func (s *BadgerStore) AddBackup(ctx context.Context, b *datatypes.ConfigBackup, content []byte) (*datatypes.ConfigBackup, error) {
	if b.DeviceID == "" || b.ContentHash == "" {
		return nil, errors.New("backup needs device id and content hash")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now().UTC()
	}

	var stored datatypes.ConfigBackup
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		stored = *b
		stored.Size = len(content)

		refs, err := refCount(txn, b.ContentHash)
		if err != nil {
			return err
		}
		if refs == 0 {
			if err := txn.Set(key("blob", b.ContentHash), content); err != nil {
				return err
			}
		}
		if err := txn.Set(key("blobref", b.ContentHash), []byte(strconv.Itoa(refs+1))); err != nil {
			return err
		}

		// Baseline claim: only when no baseline exists yet. A concurrent
		// claimer conflicts on this key and retries, then sees it set.
		_, err = getString(txn, key("baseline", b.DeviceID))
		switch {
		case errors.Is(err, ErrNotFound):
			stored.IsBaseline = true
			if err := txn.Set(key("baseline", b.DeviceID), []byte(b.ID)); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			stored.IsBaseline = false
		}

		if err := setJSON(txn, backupKey(&stored), &stored); err != nil {
			return err
		}
		return txn.Set(key("backupid", stored.ID), backupKey(&stored))
	})
	if err != nil {
		return nil, fmt.Errorf("add backup for %s: %w", b.DeviceID, err)
	}
	return &stored, nil
}

// ListBackups implements BackupStore, oldest first.
func (s *BadgerStore) ListBackups(ctx context.Context, deviceID string) ([]*datatypes.ConfigBackup, error) {
	var out []*datatypes.ConfigBackup
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scanJSON[datatypes.ConfigBackup](txn, key("backup", deviceID, ""))
		return err
	})
	return out, err
}

// LatestBackup implements BackupStore.
func (s *BadgerStore) LatestBackup(ctx context.Context, deviceID string) (*datatypes.ConfigBackup, error) {
	var out *datatypes.ConfigBackup
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := key("backup", deviceID, "")
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks from just past the prefix range.
		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return ErrNotFound
		}
		var b datatypes.ConfigBackup
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &b) }); err != nil {
			return err
		}
		out = &b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("latest backup for %s: %w", deviceID, err)
	}
	return out, nil
}

func getBackupByID(txn *badger.Txn, id string) (*datatypes.ConfigBackup, []byte, error) {
	k, err := getString(txn, key("backupid", id))
	if err != nil {
		return nil, nil, err
	}
	b, err := getJSON[datatypes.ConfigBackup](txn, []byte(k))
	if err != nil {
		return nil, nil, err
	}
	return b, []byte(k), nil
}

// GetBaseline implements BackupStore.
func (s *BadgerStore) GetBaseline(ctx context.Context, deviceID string) (*datatypes.ConfigBackup, error) {
	var out *datatypes.ConfigBackup
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		id, err := getString(txn, key("baseline", deviceID))
		if err != nil {
			return err
		}
		out, _, err = getBackupByID(txn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("baseline for %s: %w", deviceID, err)
	}
	return out, nil
}

// SetBaseline implements BackupStore. The previous baseline record loses its
// flag in the same transaction, so at most one record is flagged.
func (s *BadgerStore) SetBaseline(ctx context.Context, deviceID, backupID string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		next, nextKey, err := getBackupByID(txn, backupID)
		if err != nil {
			return err
		}
		if next.DeviceID != deviceID {
			return fmt.Errorf("backup %s belongs to %s: %w", backupID, next.DeviceID, ErrNotFound)
		}

		if prevID, err := getString(txn, key("baseline", deviceID)); err == nil && prevID != backupID {
			if prev, prevKey, err := getBackupByID(txn, prevID); err == nil {
				prev.IsBaseline = false
				if err := setJSON(txn, prevKey, prev); err != nil {
					return err
				}
			}
		}

		next.IsBaseline = true
		if err := setJSON(txn, nextKey, next); err != nil {
			return err
		}
		return txn.Set(key("baseline", deviceID), []byte(backupID))
	})
	if err != nil {
		return fmt.Errorf("set baseline %s for %s: %w", backupID, deviceID, err)
	}
	return nil
}

// GetContent implements BackupStore.
func (s *BadgerStore) GetContent(ctx context.Context, hash string) ([]byte, error) {
	var out []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key("blob", hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("content %s: %w", hash, err)
	}
	return out, nil
}

// DeleteBackups implements BackupStore. The active baseline is refused with
// ErrBaselineProtected and nothing is deleted.
func (s *BadgerStore) DeleteBackups(ctx context.Context, deviceID string, backupIDs []string) (int, error) {
	deleted := 0
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		deleted = 0
		baselineID, err := getString(txn, key("baseline", deviceID))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		for _, id := range backupIDs {
			if id == baselineID {
				return fmt.Errorf("backup %s: %w", id, ErrBaselineProtected)
			}
			b, k, err := getBackupByID(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if b.DeviceID != deviceID {
				continue
			}

			if err := txn.Delete(k); err != nil {
				return err
			}
			if err := txn.Delete(key("backupid", id)); err != nil {
				return err
			}

			refs, err := refCount(txn, b.ContentHash)
			if err != nil {
				return err
			}
			if refs <= 1 {
				if err := txn.Delete(key("blob", b.ContentHash)); err != nil {
					return err
				}
				if err := txn.Delete(key("blobref", b.ContentHash)); err != nil {
					return err
				}
			} else if err := txn.Set(key("blobref", b.ContentHash), []byte(strconv.Itoa(refs-1))); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// =============================================================================
// Drift
// =============================================================================

// PutDrift implements DriftStore.
func (s *BadgerStore) PutDrift(ctx context.Context, e *datatypes.DriftEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, key("drift", e.ID), e); err != nil {
			return err
		}
		return txn.Set(key("devdrift", e.DeviceID, e.ID), nil)
	})
}

// GetDrift implements DriftStore.
func (s *BadgerStore) GetDrift(ctx context.Context, id string) (*datatypes.DriftEvent, error) {
	var out *datatypes.DriftEvent
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[datatypes.DriftEvent](txn, key("drift", id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("drift %s: %w", id, err)
	}
	return out, nil
}

// ListDrift implements DriftStore, oldest first.
func (s *BadgerStore) ListDrift(ctx context.Context, deviceID string) ([]*datatypes.DriftEvent, error) {
	var out []*datatypes.DriftEvent
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		for _, id := range scanKeys(txn, key("devdrift", deviceID, "")) {
			e, err := getJSON[datatypes.DriftEvent](txn, key("drift", id))
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, err
}

// AcknowledgeDrift implements DriftStore.
func (s *BadgerStore) AcknowledgeDrift(ctx context.Context, id string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		e, err := getJSON[datatypes.DriftEvent](txn, key("drift", id))
		if err != nil {
			return err
		}
		e.Acknowledged = true
		return setJSON(txn, key("drift", id), e)
	})
	if err != nil {
		return fmt.Errorf("acknowledge drift %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// Remediation
// =============================================================================

// PutRemediation implements RemediationStore.
func (s *BadgerStore) PutRemediation(ctx context.Context, a *datatypes.RemediationAction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, key("remediation", a.ID), a); err != nil {
			return err
		}
		return txn.Set(key("devremediation", a.DeviceID, a.ID), nil)
	})
}

// GetRemediation implements RemediationStore.
func (s *BadgerStore) GetRemediation(ctx context.Context, id string) (*datatypes.RemediationAction, error) {
	var out *datatypes.RemediationAction
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[datatypes.RemediationAction](txn, key("remediation", id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("remediation %s: %w", id, err)
	}
	return out, nil
}

// ListRemediations implements RemediationStore, oldest first.
func (s *BadgerStore) ListRemediations(ctx context.Context, deviceID string) ([]*datatypes.RemediationAction, error) {
	var out []*datatypes.RemediationAction
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		for _, id := range scanKeys(txn, key("devremediation", deviceID, "")) {
			a, err := getJSON[datatypes.RemediationAction](txn, key("remediation", id))
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// =============================================================================
// Backoff
// =============================================================================

// GetBackoff implements BackoffStore. A device never seen returns the zero
// state.
func (s *BadgerStore) GetBackoff(ctx context.Context, deviceID string) (datatypes.BackoffState, error) {
	var out datatypes.BackoffState
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		b, err := getJSON[datatypes.BackoffState](txn, key("backoff", deviceID))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = *b
		return nil
	})
	return out, err
}

// UpdateBackoff implements BackoffStore.
func (s *BadgerStore) UpdateBackoff(ctx context.Context, deviceID string, fn func(*datatypes.BackoffState) error) (datatypes.BackoffState, error) {
	var out datatypes.BackoffState
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		state := datatypes.BackoffState{}
		b, err := getJSON[datatypes.BackoffState](txn, key("backoff", deviceID))
		switch {
		case err == nil:
			state = *b
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if err := fn(&state); err != nil {
			return err
		}
		out = state
		return setJSON(txn, key("backoff", deviceID), &state)
	})
	return out, err
}

// =============================================================================
// Health
// =============================================================================

// PutHealth implements HealthStore.
func (s *BadgerStore) PutHealth(ctx context.Context, h *datatypes.HealthStatus) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key("health", h.DeviceID), h)
	})
}

// GetHealth implements HealthStore.
func (s *BadgerStore) GetHealth(ctx context.Context, deviceID string) (*datatypes.HealthStatus, error) {
	var out *datatypes.HealthStatus
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[datatypes.HealthStatus](txn, key("health", deviceID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("health %s: %w", deviceID, err)
	}
	return out, nil
}

// =============================================================================
// Schedules and discovery groups
// =============================================================================

// PutSchedule implements ScheduleStore.
func (s *BadgerStore) PutSchedule(ctx context.Context, sc *datatypes.AuditSchedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key("schedule", sc.ID), sc)
	})
}

// ListSchedules implements ScheduleStore.
func (s *BadgerStore) ListSchedules(ctx context.Context) ([]*datatypes.AuditSchedule, error) {
	var out []*datatypes.AuditSchedule
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scanJSON[datatypes.AuditSchedule](txn, []byte("schedule/"))
		return err
	})
	return out, err
}

// MarkScheduleRun implements ScheduleStore.
func (s *BadgerStore) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		sc, err := getJSON[datatypes.AuditSchedule](txn, key("schedule", id))
		if err != nil {
			return fmt.Errorf("schedule %s: %w", id, err)
		}
		sc.LastRunAt = at
		return setJSON(txn, key("schedule", id), sc)
	})
}

// PutDiscoveryGroup implements ScheduleStore.
func (s *BadgerStore) PutDiscoveryGroup(ctx context.Context, g *datatypes.DiscoveryGroup) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key("discovery", g.ID), g)
	})
}

// ListDiscoveryGroups implements ScheduleStore.
func (s *BadgerStore) ListDiscoveryGroups(ctx context.Context) ([]*datatypes.DiscoveryGroup, error) {
	var out []*datatypes.DiscoveryGroup
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scanJSON[datatypes.DiscoveryGroup](txn, []byte("discovery/"))
		return err
	})
	return out, err
}

// MarkDiscoveryRun implements ScheduleStore.
func (s *BadgerStore) MarkDiscoveryRun(ctx context.Context, id string, at time.Time) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		g, err := getJSON[datatypes.DiscoveryGroup](txn, key("discovery", id))
		if err != nil {
			return fmt.Errorf("discovery group %s: %w", id, err)
		}
		g.LastRunAt = at
		return setJSON(txn, key("discovery", id), g)
	})
}

var _ Store = (*BadgerStore)(nil)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connectortest provides scripted sessions and openers for tests of
// components that sit above the connector layer.
package connectortest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// QueryKey identifies a query in Session.Fragments.
func QueryKey(q datatypes.Query) string {
	switch {
	case q.Command != "":
		return q.Command
	case q.XPath != "":
		return q.XPath
	case q.Path != "" && len(q.Filter) == 0:
		return q.Path
	case q.Empty():
		return ""
	}
	raw, _ := json.Marshal(q)
	return string(raw)
}

// Push records one Push call.
type Push struct {
	Payload any
	Mode    connector.PushMode
}

// Session is a scripted connector.Session.
type Session struct {
	Dev *datatypes.Device

	// Fragments answers fetches by QueryKey. Unknown queries return a
	// not-found fragment.
	Fragments map[string]*connector.Fragment

	// FetchErr fails fetches by QueryKey.
	FetchErr map[string]error

	// PushFn decides the outcome of Push. Nil commits everything.
	PushFn func(payload any, mode connector.PushMode) (*connector.PushResult, error)

	mu          sync.Mutex
	fetches     []datatypes.Query
	pushes      []Push
	disconnects int
}

// Device implements connector.Session.
func (s *Session) Device() *datatypes.Device { return s.Dev }

// Fetch implements connector.Session.
func (s *Session) Fetch(ctx context.Context, q datatypes.Query, _ datatypes.Scope) (*connector.Fragment, error) {
	s.mu.Lock()
	s.fetches = append(s.fetches, q)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &connector.ConnectionError{DeviceID: s.Dev.ID, Op: "fetch", Kind: connector.ConnTimeout, Err: err}
	}
	k := QueryKey(q)
	if err, ok := s.FetchErr[k]; ok {
		return nil, err
	}
	if f, ok := s.Fragments[k]; ok {
		cp := *f
		return &cp, nil
	}
	return &connector.Fragment{Structured: s.Dev.VendorProtocol.Structured()}, nil
}

// Push implements connector.Session.
func (s *Session) Push(_ context.Context, payload any, mode connector.PushMode) (*connector.PushResult, error) {
	s.mu.Lock()
	s.pushes = append(s.pushes, Push{Payload: payload, Mode: mode})
	fn := s.PushFn
	s.mu.Unlock()

	if fn != nil {
		return fn(payload, mode)
	}
	return &connector.PushResult{Mode: mode, Validated: true, Committed: mode == connector.Apply}, nil
}

// Disconnect implements connector.Session.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	return nil
}

// Fetches returns the queries fetched so far.
func (s *Session) Fetches() []datatypes.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datatypes.Query(nil), s.fetches...)
}

// Pushes returns the pushes so far.
func (s *Session) Pushes() []Push {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Push(nil), s.pushes...)
}

// Disconnects returns how many times Disconnect was called.
func (s *Session) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// Opener is a scripted connector.Opener keyed by device ID.
type Opener struct {
	mu       sync.Mutex
	sessions map[string]*Session
	errs     map[string]error
	opens    map[string]int
	active   map[string]int
	maxLive  map[string]int
}

// NewOpener creates an empty Opener.
func NewOpener() *Opener {
	return &Opener{
		sessions: make(map[string]*Session),
		errs:     make(map[string]error),
		opens:    make(map[string]int),
		active:   make(map[string]int),
		maxLive:  make(map[string]int),
	}
}

// Serve registers the session returned for s.Dev.ID.
func (o *Opener) Serve(s *Session) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions[s.Dev.ID] = s
	return s
}

// Fail makes Open fail for deviceID.
func (o *Opener) Fail(deviceID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs[deviceID] = err
}

// Open implements connector.Opener.
func (o *Opener) Open(ctx context.Context, d *datatypes.Device) (connector.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.opens[d.ID]++
	if err := ctx.Err(); err != nil {
		return nil, &connector.ConnectionError{DeviceID: d.ID, Op: "connect", Kind: connector.ConnTimeout, Err: err}
	}
	if err, ok := o.errs[d.ID]; ok {
		return nil, err
	}
	s, ok := o.sessions[d.ID]
	if !ok {
		return nil, &connector.ConnectionError{DeviceID: d.ID, Op: "connect", Kind: connector.ConnUnreachable,
			Err: fmt.Errorf("no scripted session for %s", d.ID)}
	}
	o.active[d.ID]++
	if o.active[d.ID] > o.maxLive[d.ID] {
		o.maxLive[d.ID] = o.active[d.ID]
	}
	return &tracked{Session: s, opener: o}, nil
}

// Opens returns how many sessions were requested for deviceID.
func (o *Opener) Opens(deviceID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[deviceID]
}

// MaxConcurrent returns the most sessions ever open at once for deviceID.
func (o *Opener) MaxConcurrent(deviceID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxLive[deviceID]
}

// Live returns the sessions currently open for deviceID.
func (o *Opener) Live(deviceID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[deviceID]
}

type tracked struct {
	*Session
	opener *Opener
	once   sync.Once
}

func (t *tracked) Disconnect() error {
	t.once.Do(func() {
		t.opener.mu.Lock()
		t.opener.active[t.Dev.ID]--
		t.opener.mu.Unlock()
	})
	return t.Session.Disconnect()
}

var (
	_ connector.Session = (*Session)(nil)
	_ connector.Opener  = (*Opener)(nil)
)

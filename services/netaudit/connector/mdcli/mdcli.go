// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mdcli connects to model-driven CLI platforms that use an explicit
// candidate/commit workflow.
//
// # Description
//
// Fetch issues a filtered get against running state, decodes the reply into
// the native tree (Container, List, Leaf, LeafList) and converts the subtree
// at the query path to plain maps and lists. Push is two-phase: lock the
// candidate, stage, commit, unlock. Any failure discards the candidate before
// the lock is released, and Disconnect discards a candidate left pending, so
// the next session never inherits staged changes.
package mdcli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/ncrpc"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/xmltree"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// Config configures the connector.
type Config struct {
	Dialer    ncrpc.Dialer
	HostKeys  ssh.HostKeyCallback
	OpTimeout time.Duration
	Logger    *slog.Logger
}

// Connector implements connector.Connector for MODEL_DRIVEN_CLI devices.
type Connector struct {
	cfg Config
}

// New creates a connector.
func New(cfg Config) *Connector {
	if cfg.Dialer == nil {
		cfg.Dialer = ncrpc.DialSSH
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Connector{cfg: cfg}
}

// Protocol implements connector.Connector.
func (c *Connector) Protocol() datatypes.VendorProtocol {
	return datatypes.ProtocolModelDrivenCLI
}

// Connect implements connector.Connector.
func (c *Connector) Connect(ctx context.Context, device *datatypes.Device, creds datatypes.Credentials, timeout time.Duration) (connector.Session, error) {
	sshCfg, err := connector.SSHClientConfig(creds, c.cfg.HostKeys, timeout)
	if err != nil {
		return nil, &connector.ConnectionError{DeviceID: device.ID, Op: "connect", Kind: connector.ConnAuth, Err: err}
	}

	dctx, cancel := connector.OpTimeout(ctx, timeout)
	defer cancel()

	exec, err := c.cfg.Dialer(dctx, device.Target(), sshCfg, timeout)
	if err != nil {
		return nil, &connector.ConnectionError{DeviceID: device.ID, Op: "connect", Kind: connector.ClassifyDial(err), Err: err}
	}

	opTimeout := c.cfg.OpTimeout
	if opTimeout == 0 {
		opTimeout = timeout
	}
	return &session{
		device:    device,
		exec:      exec,
		opTimeout: opTimeout,
		logger:    c.cfg.Logger.With("device_id", device.ID, "protocol", string(datatypes.ProtocolModelDrivenCLI)),
	}, nil
}

type session struct {
	device    *datatypes.Device
	exec      ncrpc.Executor
	opTimeout time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending bool
	locked  bool
	closed  bool
}

func (s *session) Device() *datatypes.Device { return s.device }

// Fetch reads the subtree at q.Path. q.Filter narrows the device reply below
// that path; an empty filter returns the whole subtree.
func (s *session) Fetch(ctx context.Context, q datatypes.Query, scope datatypes.Scope) (*connector.Fragment, error) {
	if s.isClosed() {
		return nil, &connector.ConnectionError{DeviceID: s.device.ID, Op: "fetch", Kind: connector.ConnProtocol, Err: connector.ErrSessionClosed}
	}

	path := q.Path
	if path == "" {
		path = q.XPath
	}
	steps, err := xmltree.ParsePath(path)
	if err != nil {
		return nil, &connector.FetchError{DeviceID: s.device.ID, Query: path, Err: err}
	}

	var filter ncrpc.Filter
	if len(steps) > 0 || len(q.Filter) > 0 {
		filter.Subtree = xmltree.RenderFilter(xmltree.PathToFilter(steps, q.Filter))
	}

	method := ncrpc.GetConfig("running", filter)
	switch scope {
	case datatypes.ScopeCandidate:
		method = ncrpc.GetConfig("candidate", filter)
	case datatypes.ScopeOperational:
		method = ncrpc.Get(filter)
	}

	octx, cancel := connector.OpTimeout(ctx, s.opTimeout)
	defer cancel()

	reply, err := ncrpc.Call(octx, s.exec, method)
	if err != nil {
		return nil, connector.WrapOpError(s.device.ID, "fetch", err, func(err error) error {
			return &connector.FetchError{DeviceID: s.device.ID, Query: path, Err: err}
		})
	}

	root, err := xmltree.DecodeFragment([]byte(reply.Data))
	if err != nil {
		fe := &connector.FetchError{DeviceID: s.device.ID, Query: path, Err: err}
		var se *xmltree.SyntaxError
		if errors.As(err, &se) {
			fe.Line, fe.Column = se.Line, se.Column
		}
		return nil, fe
	}

	frag := &connector.Fragment{Text: reply.Data, Structured: true}

	tree, err := DecodeTree(root)
	if err != nil {
		return nil, pathFetchError(s.device.ID, path, err)
	}
	if len(tree.Children) == 0 {
		return frag, nil
	}

	node, found := Walk(tree, steps)
	if !found {
		return frag, nil
	}

	value, err := ToMap(node)
	if err != nil {
		return nil, pathFetchError(s.device.ID, path, err)
	}
	frag.Value, frag.Found = value, true
	return frag, nil
}

func pathFetchError(deviceID, query string, err error) error {
	fe := &connector.FetchError{DeviceID: deviceID, Query: query, Err: err}
	var pe *PathError
	if errors.As(err, &pe) {
		fe.Path = pe.Path
	}
	return fe
}

func (s *session) Push(ctx context.Context, payload any, mode connector.PushMode) (*connector.PushResult, error) {
	if s.isClosed() {
		return nil, &connector.PushError{DeviceID: s.device.ID, Phase: connector.PhaseStage, Err: connector.ErrSessionClosed}
	}

	config, err := EncodePayload(payload)
	if err != nil {
		return nil, &connector.PushError{DeviceID: s.device.ID, Phase: connector.PhaseEncode, Err: err}
	}

	octx, cancel := connector.OpTimeout(ctx, s.opTimeout)
	defer cancel()

	if _, err := ncrpc.Call(octx, s.exec, ncrpc.Lock("candidate")); err != nil {
		return nil, &connector.PushError{DeviceID: s.device.ID, Phase: connector.PhaseLock, Err: err}
	}
	s.set(func() { s.locked = true })

	s.set(func() { s.pending = true })
	if _, err := ncrpc.Call(octx, s.exec, ncrpc.EditConfig("candidate", config)); err != nil {
		return nil, s.abort(ctx, connector.PhaseStage, err)
	}

	if mode == connector.ValidateOnly {
		if _, err := ncrpc.Call(octx, s.exec, ncrpc.Validate("candidate")); err != nil {
			return nil, s.abort(ctx, connector.PhaseValidate, err)
		}
		if err := s.release(ctx); err != nil {
			return nil, &connector.PushError{DeviceID: s.device.ID, Phase: connector.PhaseValidate, Err: errors.New("validated but discard failed"), RollbackErr: err}
		}
		return &connector.PushResult{Mode: mode, Validated: true}, nil
	}

	if _, err := ncrpc.Call(octx, s.exec, ncrpc.Commit()); err != nil {
		return nil, s.abort(ctx, connector.PhaseCommit, err)
	}
	s.set(func() { s.pending = false })

	if err := s.unlock(ctx); err != nil {
		s.logger.Warn("unlock after commit failed", "error", err)
	}
	s.logger.Info("candidate committed", "bytes", len(config))
	return &connector.PushResult{Mode: mode, Validated: true, Committed: true}, nil
}

// abort discards the candidate, unlocks and builds the PushError. A discard
// failure is reported separately and does not replace the original cause.
func (s *session) abort(ctx context.Context, phase connector.PushPhase, cause error) error {
	pe := &connector.PushError{DeviceID: s.device.ID, Phase: phase, Err: cause}
	if err := s.release(ctx); err != nil {
		pe.RollbackErr = err
		s.logger.Error("candidate discard failed, operator intervention required",
			"phase", string(phase), "error", err)
	}
	return pe
}

// release discards pending changes then unlocks. The unlock runs even when
// the discard fails.
func (s *session) release(ctx context.Context) error {
	dctx, cancel := connector.OpTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()

	var discardErr error
	if _, err := ncrpc.Call(dctx, s.exec, ncrpc.DiscardChanges()); err != nil {
		discardErr = fmt.Errorf("discard-changes: %w", err)
	} else {
		s.set(func() { s.pending = false })
	}
	return errors.Join(discardErr, s.unlock(ctx))
}

func (s *session) unlock(ctx context.Context) error {
	s.mu.Lock()
	locked := s.locked
	s.mu.Unlock()
	if !locked {
		return nil
	}

	uctx, cancel := connector.OpTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()
	if _, err := ncrpc.Call(uctx, s.exec, ncrpc.Unlock("candidate")); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	s.set(func() { s.locked = false })
	return nil
}

func (s *session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	pending := s.pending
	s.mu.Unlock()

	var releaseErr error
	if pending {
		releaseErr = s.release(context.Background())
		if releaseErr != nil {
			s.logger.Error("discard on disconnect failed", "error", releaseErr)
		}
	}

	s.set(func() { s.closed = true })
	return errors.Join(releaseErr, s.exec.Close())
}

func (s *session) set(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// EncodePayload renders a push payload as edit-config content.
//
// Map payloads are converted through the native tree first, so a payload the
// tree cannot represent fails here instead of reaching the device.
func EncodePayload(payload any) (string, error) {
	switch p := payload.(type) {
	case map[string]any:
		node, err := FromMap(p)
		if err != nil {
			return "", err
		}
		plain, err := ToMap(node)
		if err != nil {
			return "", err
		}
		return xmltree.Marshal(plain)
	case string:
		text := strings.TrimSpace(p)
		if text == "" {
			return "", errors.New("empty payload")
		}
		if _, err := xmltree.DecodeFragment([]byte(text)); err != nil {
			return "", fmt.Errorf("payload is not well-formed XML: %w", err)
		}
		return text, nil
	default:
		return "", fmt.Errorf("unsupported payload type %T", payload)
	}
}

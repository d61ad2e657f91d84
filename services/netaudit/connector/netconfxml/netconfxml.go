// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package netconfxml connects to NETCONF platforms that commit atomically.
//
// # Description
//
// Fetch sends get-config (or get, for operational scope) with an XPath or
// subtree filter and decodes the XML reply into a nested map. Push stages an
// edit-config into the candidate and commits immediately; callers never see
// the candidate. ValidateOnly stages, validates and discards.
package netconfxml

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
	// Dialer opens NETCONF sessions. Defaults to ncrpc.DialSSH.
	Dialer ncrpc.Dialer

	// HostKeys verifies device host keys. Nil accepts any key.
	HostKeys ssh.HostKeyCallback

	// OpTimeout bounds each RPC. Zero uses the connect timeout.
	OpTimeout time.Duration

	Logger *slog.Logger
}

// Connector implements connector.Connector for NETCONF_XML devices.
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
	return datatypes.ProtocolNetconfXML
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
		logger:    c.cfg.Logger.With("device_id", device.ID, "protocol", string(datatypes.ProtocolNetconfXML)),
	}, nil
}

type session struct {
	device    *datatypes.Device
	exec      ncrpc.Executor
	opTimeout time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending bool
	closed  bool
}

func (s *session) Device() *datatypes.Device { return s.device }

func (s *session) Fetch(ctx context.Context, q datatypes.Query, scope datatypes.Scope) (*connector.Fragment, error) {
	if s.isClosed() {
		return nil, &connector.ConnectionError{DeviceID: s.device.ID, Op: "fetch", Kind: connector.ConnProtocol, Err: connector.ErrSessionClosed}
	}

	path := q.XPath
	if path == "" {
		path = q.Path
	}
	steps, pathErr := xmltree.ParsePath(path)

	filter := ncrpc.Filter{XPath: q.XPath}
	switch {
	case q.XPath != "":
	case len(q.Filter) > 0:
		filter.Subtree = xmltree.RenderFilter(q.Filter)
	case q.Path != "" && pathErr == nil:
		filter.Subtree = xmltree.RenderFilter(xmltree.PathToFilter(steps, nil))
	}

	var method = ncrpc.GetConfig(sourceFor(scope), filter)
	if scope == datatypes.ScopeOperational {
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
	if root.IsLeaf() && root.Text == "" {
		return frag, nil
	}

	tree := xmltree.ToMap(root)
	if pathErr != nil {
		// Expressions beyond simple paths are evaluated by the device; the
		// filtered reply is the answer.
		frag.Value, frag.Found = tree, true
		return frag, nil
	}
	frag.Value, frag.Found = xmltree.Lookup(tree, steps)
	return frag, nil
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

	s.setPending(true)
	if _, err := ncrpc.Call(octx, s.exec, ncrpc.EditConfig("candidate", config)); err != nil {
		return nil, s.fail(ctx, connector.PhaseStage, err)
	}

	if mode == connector.ValidateOnly {
		if _, err := ncrpc.Call(octx, s.exec, ncrpc.Validate("candidate")); err != nil {
			return nil, s.fail(ctx, connector.PhaseValidate, err)
		}
		if err := s.discard(ctx); err != nil {
			return nil, &connector.PushError{DeviceID: s.device.ID, Phase: connector.PhaseValidate, Err: errors.New("validated but discard failed"), RollbackErr: err}
		}
		return &connector.PushResult{Mode: mode, Validated: true}, nil
	}

	if _, err := ncrpc.Call(octx, s.exec, ncrpc.Commit()); err != nil {
		return nil, s.fail(ctx, connector.PhaseCommit, err)
	}
	s.setPending(false)

	s.logger.Info("configuration committed", "bytes", len(config))
	return &connector.PushResult{Mode: mode, Validated: true, Committed: true}, nil
}

// fail discards the candidate and builds the PushError.
func (s *session) fail(ctx context.Context, phase connector.PushPhase, cause error) error {
	pe := &connector.PushError{DeviceID: s.device.ID, Phase: phase, Err: cause}
	if err := s.discard(ctx); err != nil {
		pe.RollbackErr = err
		s.logger.Error("candidate discard failed, operator intervention required",
			"phase", string(phase), "error", err)
	}
	return pe
}

func (s *session) discard(ctx context.Context) error {
	dctx, cancel := connector.OpTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()
	if _, err := ncrpc.Call(dctx, s.exec, ncrpc.DiscardChanges()); err != nil {
		return err
	}
	s.setPending(false)
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

	var discardErr error
	if pending {
		discardErr = s.discard(context.Background())
		if discardErr != nil {
			s.logger.Error("discard on disconnect failed", "error", discardErr)
		}
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return errors.Join(discardErr, s.exec.Close())
}

func (s *session) setPending(v bool) {
	s.mu.Lock()
	s.pending = v
	s.mu.Unlock()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sourceFor(scope datatypes.Scope) string {
	if scope == datatypes.ScopeCandidate {
		return "candidate"
	}
	return "running"
}

// EncodePayload renders a push payload as edit-config content. Maps are
// marshalled; strings are taken as XML and must be well formed.
func EncodePayload(payload any) (string, error) {
	switch p := payload.(type) {
	case map[string]any:
		return xmltree.Marshal(p)
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

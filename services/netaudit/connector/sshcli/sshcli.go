// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sshcli connects to plain CLI devices over SSH.
//
// # Description
//
// Fetch runs a show command and returns trimmed text; there is no structured
// tree, so rules for this protocol compare text with CONTAINS or REGEX.
// Push runs a configuration-mode script (enter, commands, exit). The CLI has
// no transactional candidate: when the device reports an error the abort
// script is sent and its failure is reported as a rollback error.
// ValidateOnly checks the script locally and never opens configuration mode.
package sshcli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// Config configures the connector.
type Config struct {
	Dialer    Dialer
	HostKeys  ssh.HostKeyCallback
	OpTimeout time.Duration

	// EnterConfig and ExitConfig wrap pushed commands.
	EnterConfig string
	ExitConfig  string

	// AbortScript is sent after a failed push.
	AbortScript []string

	// ErrorPattern matches device output that signals a rejected command.
	ErrorPattern *regexp.Regexp

	// Forbidden lists command prefixes never pushed (lower case).
	Forbidden []string

	Logger *slog.Logger
}

// DefaultErrorPattern matches the "% Invalid input" family of CLI errors.
var DefaultErrorPattern = regexp.MustCompile(`(?mi)^\s*(%\s*(invalid|incomplete|ambiguous|error|unknown)|syntax error|error:)`)

// DefaultConfig returns the connector defaults.
func DefaultConfig() Config {
	return Config{
		Dialer:       DialSSH,
		EnterConfig:  "configure terminal",
		ExitConfig:   "end",
		AbortScript:  []string{"configure terminal", "abort"},
		ErrorPattern: DefaultErrorPattern,
		Forbidden:    []string{"reload", "write erase", "erase", "format", "delete"},
	}
}

// Connector implements connector.Connector for SSH_CLI devices.
type Connector struct {
	cfg Config
}

// New creates a connector. Zero fields take DefaultConfig values.
func New(cfg Config) *Connector {
	def := DefaultConfig()
	if cfg.Dialer == nil {
		cfg.Dialer = def.Dialer
	}
	if cfg.EnterConfig == "" {
		cfg.EnterConfig = def.EnterConfig
	}
	if cfg.ExitConfig == "" {
		cfg.ExitConfig = def.ExitConfig
	}
	if cfg.AbortScript == nil {
		cfg.AbortScript = def.AbortScript
	}
	if cfg.ErrorPattern == nil {
		cfg.ErrorPattern = def.ErrorPattern
	}
	if cfg.Forbidden == nil {
		cfg.Forbidden = def.Forbidden
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Connector{cfg: cfg}
}

// Protocol implements connector.Connector.
func (c *Connector) Protocol() datatypes.VendorProtocol {
	return datatypes.ProtocolSSHCLI
}

// Connect implements connector.Connector.
func (c *Connector) Connect(ctx context.Context, device *datatypes.Device, creds datatypes.Credentials, timeout time.Duration) (connector.Session, error) {
	sshCfg, err := connector.SSHClientConfig(creds, c.cfg.HostKeys, timeout)
	if err != nil {
		return nil, &connector.ConnectionError{DeviceID: device.ID, Op: "connect", Kind: connector.ConnAuth, Err: err}
	}

	dctx, cancel := connector.OpTimeout(ctx, timeout)
	defer cancel()

	runner, err := c.cfg.Dialer(dctx, device.Target(), sshCfg)
	if err != nil {
		return nil, &connector.ConnectionError{DeviceID: device.ID, Op: "connect", Kind: connector.ClassifyDial(err), Err: err}
	}

	opTimeout := c.cfg.OpTimeout
	if opTimeout == 0 {
		opTimeout = timeout
	}
	return &session{
		cfg:       c.cfg,
		device:    device,
		runner:    runner,
		opTimeout: opTimeout,
		logger:    c.cfg.Logger.With("device_id", device.ID, "protocol", string(datatypes.ProtocolSSHCLI)),
	}, nil
}

type session struct {
	cfg       Config
	device    *datatypes.Device
	runner    Runner
	opTimeout time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (s *session) Device() *datatypes.Device { return s.device }

// Fetch runs q.Command. Scope is ignored; the command decides what it shows.
func (s *session) Fetch(ctx context.Context, q datatypes.Query, _ datatypes.Scope) (*connector.Fragment, error) {
	if s.isClosed() {
		return nil, &connector.ConnectionError{DeviceID: s.device.ID, Op: "fetch", Kind: connector.ConnProtocol, Err: connector.ErrSessionClosed}
	}
	cmd := strings.TrimSpace(q.Command)
	if cmd == "" {
		return nil, &connector.FetchError{DeviceID: s.device.ID, Err: errors.New("query has no command")}
	}

	octx, cancel := connector.OpTimeout(ctx, s.opTimeout)
	defer cancel()

	out, err := s.runner.Run(octx, cmd)
	if err != nil {
		return nil, connector.WrapOpError(s.device.ID, "fetch", err, func(err error) error {
			return &connector.FetchError{DeviceID: s.device.ID, Query: cmd, Err: err}
		})
	}
	if loc := s.cfg.ErrorPattern.FindStringIndex(out); loc != nil {
		return nil, &connector.FetchError{DeviceID: s.device.ID, Query: cmd, Err: fmt.Errorf("device rejected command: %s", firstLine(out[loc[0]:]))}
	}

	text := strings.TrimSpace(normalizeNewlines(out))
	return &connector.Fragment{Text: text, Found: text != ""}, nil
}

// Push runs payload as a configuration script. payload is a string (one
// command per line) or a list of strings.
func (s *session) Push(ctx context.Context, payload any, mode connector.PushMode) (*connector.PushResult, error) {
	if s.isClosed() {
		return nil, &connector.PushError{DeviceID: s.device.ID, Phase: connector.PhaseStage, Err: connector.ErrSessionClosed}
	}

	lines, err := s.commands(payload)
	if err != nil {
		return nil, &connector.PushError{DeviceID: s.device.ID, Phase: connector.PhaseEncode, Err: err}
	}
	if mode == connector.ValidateOnly {
		return &connector.PushResult{Mode: mode, Validated: true, Message: fmt.Sprintf("%d commands validated locally", len(lines))}, nil
	}

	script := make([]string, 0, len(lines)+2)
	script = append(script, s.cfg.EnterConfig)
	script = append(script, lines...)
	script = append(script, s.cfg.ExitConfig)

	octx, cancel := connector.OpTimeout(ctx, s.opTimeout)
	defer cancel()

	out, err := s.runner.Shell(octx, script)
	if err == nil {
		if loc := s.cfg.ErrorPattern.FindStringIndex(out); loc != nil {
			err = fmt.Errorf("device rejected configuration: %s", firstLine(out[loc[0]:]))
		}
	}
	if err != nil {
		pe := &connector.PushError{DeviceID: s.device.ID, Phase: connector.PhaseCommit, Err: err}
		if rbErr := s.abort(ctx); rbErr != nil {
			pe.RollbackErr = rbErr
			s.logger.Error("abort after failed push failed, operator intervention required", "error", rbErr)
		}
		return nil, pe
	}

	s.logger.Info("configuration applied", "commands", len(lines))
	return &connector.PushResult{Mode: mode, Validated: true, Committed: true}, nil
}

func (s *session) abort(ctx context.Context) error {
	if len(s.cfg.AbortScript) == 0 {
		return errors.New("no abort script configured")
	}
	actx, cancel := connector.OpTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()
	out, err := s.runner.Shell(actx, s.cfg.AbortScript)
	if err != nil {
		return err
	}
	if loc := s.cfg.ErrorPattern.FindStringIndex(out); loc != nil {
		return fmt.Errorf("abort rejected: %s", firstLine(out[loc[0]:]))
	}
	return nil
}

// commands normalizes and checks a script without contacting the device.
func (s *session) commands(payload any) ([]string, error) {
	var raw []string
	switch p := payload.(type) {
	case string:
		raw = strings.Split(normalizeNewlines(p), "\n")
	case []string:
		raw = p
	case []any:
		for i, v := range p {
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("command %d is %T, not a string", i, v)
			}
			raw = append(raw, str)
		}
	default:
		return nil, fmt.Errorf("unsupported payload type %T", payload)
	}

	var lines []string
	for i, l := range raw {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) == "" {
			continue
		}
		if strings.ContainsFunc(l, func(r rune) bool { return r < 0x20 && r != '\t' }) {
			return nil, fmt.Errorf("command %d contains control characters", i)
		}
		lower := strings.ToLower(strings.TrimSpace(l))
		for _, f := range s.cfg.Forbidden {
			if strings.HasPrefix(lower, f) {
				return nil, fmt.Errorf("command %d %q is not allowed", i, l)
			}
		}
		lines = append(lines, l)
	}
	if len(lines) == 0 {
		return nil, errors.New("empty configuration script")
	}
	return lines, nil
}

func (s *session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.runner.Close()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

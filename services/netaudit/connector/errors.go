// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// =============================================================================
// Error kinds
// =============================================================================

// ConnKind classifies a connection failure.
type ConnKind string

const (
	ConnTimeout     ConnKind = "timeout"
	ConnAuth        ConnKind = "auth"
	ConnUnreachable ConnKind = "unreachable"
	ConnProtocol    ConnKind = "protocol"
)

// ErrUnsupportedProtocol is returned by the factory for unknown protocols.
var ErrUnsupportedProtocol = errors.New("unsupported vendor protocol")

// ErrSessionClosed is returned by operations on a disconnected session.
var ErrSessionClosed = errors.New("session closed")

// ConnectionError is a transport-level failure. Always retryable on the next
// scheduled cycle, subject to backoff.
type ConnectionError struct {
	DeviceID string
	Op       string
	Kind     ConnKind
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s to %s failed (%s): %v", e.Op, e.DeviceID, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError is a failed read. Not retryable without a rule or query change.
//
// Path names the offending location for deserialization failures; Line and
// Column are set when the device returned unparseable XML.
type FetchError struct {
	DeviceID string
	Query    string
	Path     string
	Line     int
	Column   int
	Err      error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %q on %s", e.Query, e.DeviceID)
	if e.Path != "" {
		fmt.Fprintf(&b, " at %s", e.Path)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d, column %d)", e.Line, e.Column)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// PushPhase names the push step that failed.
type PushPhase string

const (
	PhaseEncode   PushPhase = "encode"
	PhaseLock     PushPhase = "lock"
	PhaseStage    PushPhase = "stage"
	PhaseValidate PushPhase = "validate"
	PhaseCommit   PushPhase = "commit"
)

// PushError is a rejected or failed configuration push. The staged change
// has been discarded; RollbackErr is set when that discard itself failed and
// an operator must intervene.
type PushError struct {
	DeviceID    string
	Phase       PushPhase
	Err         error
	RollbackErr error
}

func (e *PushError) Error() string {
	msg := fmt.Sprintf("push %s on %s failed: %v", e.Phase, e.DeviceID, e.Err)
	if e.RollbackErr != nil {
		msg += fmt.Sprintf(" (rollback failed: %v)", e.RollbackErr)
	}
	return msg
}

func (e *PushError) Unwrap() error { return e.Err }

// =============================================================================
// Helpers
// =============================================================================

// IsRetryable reports whether err is a ConnectionError.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// ClassifyDial maps a dial/handshake error to a ConnKind.
func ClassifyDial(err error) ConnKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ConnTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ConnTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "authentication"):
		return ConnAuth
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "no such host"):
		return ConnUnreachable
	default:
		return ConnProtocol
	}
}

// WrapOpError converts a session operation failure caused by the transport
// (timeout, closed connection) into a ConnectionError and leaves anything
// else to the caller-supplied wrapper.
func WrapOpError(deviceID, op string, err error, other func(error) error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ConnectionError{DeviceID: deviceID, Op: op, Kind: ConnTimeout, Err: err}
	}
	if errors.Is(err, ErrSessionClosed) {
		return &ConnectionError{DeviceID: deviceID, Op: op, Kind: ConnProtocol, Err: err}
	}
	return other(err)
}

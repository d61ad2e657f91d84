// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ncrpc is the NETCONF RPC layer shared by the netconfxml and mdcli
// connectors: dialing over SSH, context-aware execution and RPC builders.
package ncrpc

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Juniper/go-netconf/netconf"
	"golang.org/x/crypto/ssh"
)

// Executor runs NETCONF RPCs on one session. *netconf.Session satisfies it.
type Executor interface {
	Exec(methods ...netconf.RPCMethod) (*netconf.RPCReply, error)
	Close() error
}

// Dialer opens an Executor. Connectors take a Dialer so tests can swap in
// a fake datastore.
type Dialer func(ctx context.Context, target string, cfg *ssh.ClientConfig, timeout time.Duration) (Executor, error)

// DialSSH opens a NETCONF-over-SSH session. The library dial has no context,
// so a cancelled ctx abandons the dial and closes the session if it lands
// late. timeout bounds the TCP dial through the SSH client config.
func DialSSH(ctx context.Context, target string, cfg *ssh.ClientConfig, timeout time.Duration) (Executor, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = timeout
	}

	type result struct {
		s   *netconf.Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := netconf.DialSSH(target, cfg)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.s, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Call executes one RPC, honoring ctx. When ctx expires first the executor
// is closed so the blocked call returns and the session cannot be reused.
func Call(ctx context.Context, exec Executor, method netconf.RPCMethod) (*netconf.RPCReply, error) {
	type result struct {
		reply *netconf.RPCReply
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := exec.Exec(method)
		ch <- result{r, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.reply, r.err
		}
		if r.reply != nil {
			if err := replyError(r.reply); err != nil {
				return r.reply, err
			}
		}
		return r.reply, nil
	case <-ctx.Done():
		_ = exec.Close()
		return nil, ctx.Err()
	}
}

// RPCError is an rpc-error returned by the device.
type RPCError struct {
	Tag     string
	Path    string
	Message string
}

func (e *RPCError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Tag
	}
	if e.Path != "" {
		return fmt.Sprintf("rpc-error %s at %s: %s", e.Tag, e.Path, msg)
	}
	return fmt.Sprintf("rpc-error %s: %s", e.Tag, msg)
}

func replyError(reply *netconf.RPCReply) error {
	for _, e := range reply.Errors {
		if e.Severity == "error" {
			return &RPCError{Tag: e.Tag, Path: strings.TrimSpace(e.Path), Message: strings.TrimSpace(e.Message)}
		}
	}
	return nil
}

// IsRPCError reports whether err came from the device rather than the
// transport.
func IsRPCError(err error) bool {
	var re *RPCError
	if errors.As(err, &re) {
		return true
	}
	var ne *netconf.RPCError
	return errors.As(err, &ne)
}

// =============================================================================
// RPC builders
// =============================================================================

// Filter is either an XPath expression or pre-rendered subtree XML.
type Filter struct {
	XPath   string
	Subtree string
}

func (f Filter) render() string {
	switch {
	case f.XPath != "":
		var b strings.Builder
		_ = xml.EscapeText(&b, []byte(f.XPath))
		return fmt.Sprintf(`<filter type="xpath" select="%s"/>`, strings.ReplaceAll(b.String(), `"`, "&quot;"))
	case f.Subtree != "":
		return `<filter type="subtree">` + f.Subtree + `</filter>`
	default:
		return ""
	}
}

// GetConfig reads a configuration datastore.
func GetConfig(source string, f Filter) netconf.RawMethod {
	return netconf.RawMethod(fmt.Sprintf("<get-config><source><%s/></source>%s</get-config>", source, f.render()))
}

// Get reads configuration and operational state.
func Get(f Filter) netconf.RawMethod {
	return netconf.RawMethod("<get>" + f.render() + "</get>")
}

// EditConfig merges config into target.
func EditConfig(target, config string) netconf.RawMethod {
	return netconf.RawMethod(fmt.Sprintf(
		"<edit-config><target><%s/></target><default-operation>merge</default-operation><config>%s</config></edit-config>",
		target, config))
}

// Validate validates a datastore.
func Validate(source string) netconf.RawMethod {
	return netconf.RawMethod(fmt.Sprintf("<validate><source><%s/></source></validate>", source))
}

// Commit commits the candidate.
func Commit() netconf.RawMethod { return netconf.RawMethod("<commit/>") }

// DiscardChanges reverts the candidate to running.
func DiscardChanges() netconf.RawMethod { return netconf.RawMethod("<discard-changes/>") }

// Lock locks a datastore.
func Lock(target string) netconf.RawMethod {
	return netconf.RawMethod(fmt.Sprintf("<lock><target><%s/></target></lock>", target))
}

// Unlock unlocks a datastore.
func Unlock(target string) netconf.RawMethod {
	return netconf.RawMethod(fmt.Sprintf("<unlock><target><%s/></target></unlock>", target))
}

// Name returns the RPC element name of a method ("get-config", "commit").
func Name(m netconf.RPCMethod) string {
	s := strings.TrimSpace(m.MarshalMethod())
	s = strings.TrimPrefix(s, "<")
	end := strings.IndexAny(s, " />")
	if end < 0 {
		return s
	}
	return s[:end]
}

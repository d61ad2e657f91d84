// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sshcli

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Runner executes CLI commands on one SSH connection.
type Runner interface {
	// Run executes a single command on its own exec channel and returns the
	// combined output.
	Run(ctx context.Context, cmd string) (string, error)

	// Shell feeds lines to an interactive shell and returns everything the
	// device printed. Used for configuration mode, which most network OSes
	// only offer interactively.
	Shell(ctx context.Context, lines []string) (string, error)

	Close() error
}

// Dialer opens a Runner.
type Dialer func(ctx context.Context, target string, cfg *ssh.ClientConfig) (Runner, error)

// DialSSH connects with x/crypto/ssh. The TCP dial honors ctx; the handshake
// is bounded by the connection deadline derived from cfg.Timeout.
func DialSSH(ctx context.Context, target string, cfg *ssh.ClientConfig) (Runner, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}

	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, target, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return &clientRunner{client: ssh.NewClient(c, chans, reqs)}, nil
}

type clientRunner struct {
	client *ssh.Client
}

func (r *clientRunner) Run(ctx context.Context, cmd string) (string, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		return string(r.out), r.err
	case <-ctx.Done():
		_ = sess.Close()
		return "", ctx.Err()
	}
}

func (r *clientRunner) Shell(ctx context.Context, lines []string) (string, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var buf bytes.Buffer
	sess.Stdout = &buf
	sess.Stderr = &buf

	stdin, err := sess.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("stdin: %w", err)
	}
	modes := ssh.TerminalModes{ssh.ECHO: 0, ssh.TTY_OP_ISPEED: 38400, ssh.TTY_OP_OSPEED: 38400}
	if err := sess.RequestPty("vt100", 0, 512, modes); err != nil {
		return "", fmt.Errorf("request pty: %w", err)
	}
	if err := sess.Shell(); err != nil {
		return "", fmt.Errorf("start shell: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		for _, l := range lines {
			if _, err := fmt.Fprintln(stdin, l); err != nil {
				done <- err
				return
			}
		}
		_, _ = fmt.Fprintln(stdin, "exit")
		_ = stdin.Close()
		done <- sess.Wait()
	}()

	select {
	case err := <-done:
		if _, ok := err.(*ssh.ExitMissingError); ok {
			err = nil
		}
		return buf.String(), err
	case <-ctx.Done():
		_ = sess.Close()
		return "", ctx.Err()
	}
}

func (r *clientRunner) Close() error {
	return r.client.Close()
}

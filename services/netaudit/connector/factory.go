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
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/vault"
)

// Opener opens a ready session for a device. Implemented by Factory;
// consumers depend on this instead of the concrete type so tests can inject
// fake sessions.
type Opener interface {
	Open(ctx context.Context, device *datatypes.Device) (Session, error)
}

// Factory selects a connector by vendor protocol and opens sessions with
// credentials from a resolver.
//
// # Thread Safety
//
// Safe for concurrent use after construction.
type Factory struct {
	connectors map[datatypes.VendorProtocol]Connector
	resolver   vault.Resolver
	timeout    time.Duration
}

// NewFactory builds a factory from one connector per protocol.
//
// # Inputs
//
//   - resolver: Credential source consulted on every Open.
//   - timeout: Connect timeout handed to the connector.
//   - connectors: Variants; registering the same protocol twice is an error.
func NewFactory(resolver vault.Resolver, timeout time.Duration, connectors ...Connector) (*Factory, error) {
	f := &Factory{
		connectors: make(map[datatypes.VendorProtocol]Connector, len(connectors)),
		resolver:   resolver,
		timeout:    timeout,
	}
	for _, c := range connectors {
		p := c.Protocol()
		if _, dup := f.connectors[p]; dup {
			return nil, fmt.Errorf("connector for %s registered twice", p)
		}
		f.connectors[p] = c
	}
	return f, nil
}

// For returns the connector for a protocol.
func (f *Factory) For(p datatypes.VendorProtocol) (Connector, error) {
	c, ok := f.connectors[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, p)
	}
	return c, nil
}

// Open resolves credentials and connects.
//
// Credential resolution failures are reported as auth ConnectionErrors so
// they advance the device's backoff like any other failed connection.
func (f *Factory) Open(ctx context.Context, device *datatypes.Device) (Session, error) {
	c, err := f.For(device.VendorProtocol)
	if err != nil {
		return nil, &ConnectionError{DeviceID: device.ID, Op: "open", Kind: ConnProtocol, Err: err}
	}

	creds, err := f.resolver.Resolve(ctx, device)
	if err != nil {
		return nil, &ConnectionError{DeviceID: device.ID, Op: "credentials", Kind: ConnAuth, Err: err}
	}

	return c.Connect(ctx, device, creds, f.timeout)
}

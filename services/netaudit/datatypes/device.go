// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the logical schema shared by every NetAudit
// component: devices, rules, findings, audit runs, backups, drift events,
// remediation actions and the scheduling records that drive the background
// loop.
//
// # Description
//
// Types in this package are plain data. They are serialized as JSON by the
// storage layer and carry no behavior beyond small helpers (status strings,
// address formatting, validation tags). Invariants that span records, such as
// "at most one active baseline per device", are enforced by the storage and
// backup packages, not here.
package datatypes

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// =============================================================================
// Vendor Protocols
// =============================================================================

// VendorProtocol selects the connector variant used for a device.
type VendorProtocol string

const (
	// ProtocolNetconfXML is a NETCONF platform that commits atomically.
	ProtocolNetconfXML VendorProtocol = "NETCONF_XML"

	// ProtocolModelDrivenCLI is a model-driven platform with an explicit
	// candidate/commit workflow.
	ProtocolModelDrivenCLI VendorProtocol = "MODEL_DRIVEN_CLI"

	// ProtocolSSHCLI is a plain CLI reached over SSH. No structured tree.
	ProtocolSSHCLI VendorProtocol = "SSH_CLI"
)

// Valid reports whether p is one of the three supported protocols.
func (p VendorProtocol) Valid() bool {
	switch p {
	case ProtocolNetconfXML, ProtocolModelDrivenCLI, ProtocolSSHCLI:
		return true
	default:
		return false
	}
}

// Structured reports whether the protocol returns tree-shaped data.
func (p VendorProtocol) Structured() bool {
	return p == ProtocolNetconfXML || p == ProtocolModelDrivenCLI
}

// DefaultPort returns the well-known management port for the protocol.
func (p VendorProtocol) DefaultPort() int {
	switch p {
	case ProtocolNetconfXML, ProtocolModelDrivenCLI:
		return 830
	default:
		return 22
	}
}

// =============================================================================
// Device
// =============================================================================

// BackoffState records consecutive connection failures for a device.
//
// # Description
//
// Mutated only by the backoff tracker. A zero value means the device is
// eligible immediately.
type BackoffState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextEligibleAt      time.Time `json:"next_eligible_at"`
	LastError           string    `json:"last_error,omitempty"`
}

// SealedSecret is an encrypted credential blob produced by the vault.
type SealedSecret struct {
	KeyID      string `json:"key_id"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Empty reports whether no secret has been sealed.
func (s SealedSecret) Empty() bool {
	return len(s.Ciphertext) == 0
}

// Device is a managed network element.
//
// # Description
//
// Devices are created by the device-management collaborator or by
// discovery. They are never deleted while findings or backups refer to
// them; Enabled=false soft-disables a device instead.
type Device struct {
	ID               string         `json:"id" validate:"required"`
	Hostname         string         `json:"hostname"`
	Address          string         `json:"address" validate:"required,ip|hostname"`
	Port             int            `json:"port" validate:"gte=0,lte=65535"`
	VendorProtocol   VendorProtocol `json:"vendor_protocol" validate:"required,vendor_protocol"`
	Username         string         `json:"username"`
	Secret           SealedSecret   `json:"secret"`
	Enabled          bool           `json:"enabled"`
	Backoff          BackoffState   `json:"backoff_state"`
	DiscoveryGroupID string         `json:"discovery_group_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Target returns host:port, falling back to the protocol default port.
func (d *Device) Target() string {
	port := d.Port
	if port == 0 {
		port = d.VendorProtocol.DefaultPort()
	}
	return net.JoinHostPort(d.Address, strconv.Itoa(port))
}

// String identifies the device in logs and error messages.
func (d *Device) String() string {
	if d.Hostname != "" {
		return fmt.Sprintf("%s(%s)", d.Hostname, d.Address)
	}
	return d.Address
}

// Credentials are decrypted login material. Never persisted.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey []byte
}

// HealthStatus is the latest reachability probe for a device.
type HealthStatus struct {
	DeviceID  string        `json:"device_id"`
	Reachable bool          `json:"reachable"`
	PortOpen  bool          `json:"port_open"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	Error     string        `json:"error,omitempty"`
}

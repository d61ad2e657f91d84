// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vault encrypts device credentials at rest and resolves them for
// connectors on demand.
//
// # Description
//
// Credentials are sealed with XChaCha20-Poly1305 using a master key that
// lives in a memguard enclave (encrypted, mlocked memory). The device ID is
// bound as additional authenticated data so a sealed blob cannot be moved
// between devices. Plaintext is only materialized inside Resolve and handed
// straight to the connector; it is never persisted or logged.
//
// # Thread Safety
//
// Vault is safe for concurrent use. Each Seal/Open opens the enclave into a
// short-lived locked buffer and destroys it before returning.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidKey is returned when the master key has the wrong length.
	ErrInvalidKey = errors.New("vault: master key must be 32 bytes")

	// ErrKeyMismatch is returned when a secret was sealed under another key.
	ErrKeyMismatch = errors.New("vault: secret sealed with a different key")

	// ErrNoSecret is returned when a device has no sealed credentials.
	ErrNoSecret = errors.New("vault: device has no sealed credentials")
)

// =============================================================================
// Interfaces
// =============================================================================

// Resolver returns decrypted credentials for a device.
//
// # Description
//
// This is the credential-resolution boundary consumed by the connector
// factory. Implementations must not cache plaintext beyond the call.
type Resolver interface {
	Resolve(ctx context.Context, device *datatypes.Device) (datatypes.Credentials, error)
}

// =============================================================================
// Vault
// =============================================================================

// Vault seals and opens device credentials.
type Vault struct {
	keyID string
	key   *memguard.Enclave
}

// sealedPayload is the plaintext layout inside a SealedSecret.
type sealedPayload struct {
	Password   string `json:"password,omitempty"`
	PrivateKey []byte `json:"private_key,omitempty"`
}

// New creates a vault from a raw 32-byte master key.
//
// # Description
//
// The key slice is moved into a memguard enclave and wiped by memguard;
// callers must not reuse it afterwards.
//
// # Inputs
//
//   - keyID: Identifier stored with every sealed secret (for rotation).
//   - key: 32-byte master key. Wiped on return.
//
// # Outputs
//
//   - *Vault: Ready to seal and open credentials.
//   - error: ErrInvalidKey if the key has the wrong size.
func New(keyID string, key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		memguard.WipeBytes(key)
		return nil, ErrInvalidKey
	}
	return &Vault{keyID: keyID, key: memguard.NewEnclave(key)}, nil
}

// NewFromBase64 decodes a standard base64 master key and calls New.
func NewFromBase64(keyID, encoded string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return New(keyID, key)
}

// NewRandom creates a vault with a freshly generated key. Sealed secrets do
// not survive a restart; intended for tests and ephemeral deployments.
func NewRandom(keyID string) *Vault {
	return &Vault{keyID: keyID, key: memguard.NewEnclaveRandom(chacha20poly1305.KeySize)}
}

// KeyID returns the identifier of the master key.
func (v *Vault) KeyID() string {
	return v.keyID
}

// Seal encrypts plaintext and binds it to aad.
func (v *Vault) Seal(plaintext, aad []byte) (datatypes.SealedSecret, error) {
	buf, err := v.key.Open()
	if err != nil {
		return datatypes.SealedSecret{}, fmt.Errorf("open master key: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return datatypes.SealedSecret{}, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return datatypes.SealedSecret{}, fmt.Errorf("generate nonce: %w", err)
	}

	return datatypes.SealedSecret{
		KeyID:      v.keyID,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// Open decrypts a sealed secret previously produced by Seal with the same aad.
func (v *Vault) Open(secret datatypes.SealedSecret, aad []byte) ([]byte, error) {
	if secret.Empty() {
		return nil, ErrNoSecret
	}
	if secret.KeyID != v.keyID {
		return nil, fmt.Errorf("%w: have %q, secret uses %q", ErrKeyMismatch, v.keyID, secret.KeyID)
	}

	buf, err := v.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open master key: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, secret.Nonce, secret.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return plaintext, nil
}

// SealCredentials seals a device's password and/or private key.
//
// # Inputs
//
//   - deviceID: Bound as additional data; Resolve checks it.
//   - creds: Credentials to seal. Username is stored on the device in clear.
func (v *Vault) SealCredentials(deviceID string, creds datatypes.Credentials) (datatypes.SealedSecret, error) {
	raw, err := json.Marshal(sealedPayload{Password: creds.Password, PrivateKey: creds.PrivateKey})
	if err != nil {
		return datatypes.SealedSecret{}, fmt.Errorf("encode credentials: %w", err)
	}
	defer memguard.WipeBytes(raw)
	return v.Seal(raw, []byte(deviceID))
}

// Resolve implements Resolver.
func (v *Vault) Resolve(ctx context.Context, device *datatypes.Device) (datatypes.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Credentials{}, err
	}

	raw, err := v.Open(device.Secret, []byte(device.ID))
	if err != nil {
		return datatypes.Credentials{}, fmt.Errorf("resolve credentials for %s: %w", device.ID, err)
	}
	defer memguard.WipeBytes(raw)

	var p sealedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return datatypes.Credentials{}, fmt.Errorf("decode credentials for %s: %w", device.ID, err)
	}

	return datatypes.Credentials{
		Username:   device.Username,
		Password:   p.Password,
		PrivateKey: p.PrivateKey,
	}, nil
}

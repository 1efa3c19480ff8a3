// Package masterkey exposes the vault to callers as four boolean-style
// operations. Failures are logged with their category and never surface as
// an empty success.
package masterkey

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Mondei1/QRVault/native/devicekey"
	"github.com/Mondei1/QRVault/native/vault"
)

// Client is the caller-facing entry point.
type Client struct {
	keys  *devicekey.Manager
	vault *vault.Service
}

// NewClient creates a client over an already wired vault service.
func NewClient(keys *devicekey.Manager, svc *vault.Service) *Client {
	return &Client{keys: keys, vault: svc}
}

// HasSecureStorage reports whether the device can hold the master key now.
func (c *Client) HasSecureStorage(ctx context.Context) bool {
	return c.keys.HasSecureStorageCapability(ctx)
}

// HasMasterKey reports whether a vault file and the device key that sealed it
// are both present.
func (c *Client) HasMasterKey(ctx context.Context) bool {
	exists, err := c.vault.HasVaultFile(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to check for vault file")
		return false
	}
	return exists && c.keys.HasDeviceKey(ctx)
}

// EnrollMasterKey seals secret with hint, replacing any stored master key.
func (c *Client) EnrollMasterKey(ctx context.Context, secret []byte, hint string) bool {
	if err := c.vault.Seal(ctx, secret, hint); err != nil {
		log.Error().
			Err(err).
			Str("category", string(vault.CategoryOf(err))).
			Msg("Failed to enroll master key")
		return false
	}
	return true
}

// RetrieveMasterKey unseals the stored master key. The boolean is false on any
// failure, including a cancelled prompt.
func (c *Client) RetrieveMasterKey(ctx context.Context) (*MasterKey, bool) {
	mk, err := c.Retrieve(ctx)
	if err != nil {
		log.Error().
			Err(err).
			Str("category", string(vault.CategoryOf(err))).
			Msg("Failed to retrieve master key")
		return nil, false
	}
	return mk, true
}

// Retrieve is RetrieveMasterKey for callers that need the failure reason.
func (c *Client) Retrieve(ctx context.Context) (*MasterKey, error) {
	secret, hint, err := c.vault.Unseal(ctx)
	if err != nil {
		return nil, err
	}
	return &MasterKey{Secret: Secret(secret), Hint: hint}, nil
}

// Package vault resolves broker credentials stored in HashiCorp Vault. An
// account whose password is written as "vault:<path>" has the real password
// fetched from the KV store at startup and on every config reload.
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"

	"mt-trading-engine/config"
)

// RefPrefix marks a config password as a Vault reference.
const RefPrefix = "vault:"

// passwordKey is the field read from the secret at the referenced path.
const passwordKey = "password"

// IsRef reports whether the config password is a Vault reference.
func IsRef(password string) bool {
	return strings.HasPrefix(password, RefPrefix)
}

// Client wraps the Vault API client with a per-path cache so a config
// reload does not re-read unchanged secrets.
type Client struct {
	client *api.Client
	mu     sync.RWMutex
	cache  map[string]string
}

// NewClient connects to the Vault server in cfg. A disabled section returns
// (nil, nil): callers treat a nil client as "no vault".
func NewClient(cfg *config.VaultSection) (*Client, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}
	client.SetToken(cfg.Token)
	return &Client{client: client, cache: make(map[string]string)}, nil
}

// ResolvePassword returns the plain password for a config value. Plain
// passwords pass through unchanged; "vault:<path>" references are read from
// the KV store.
func (c *Client) ResolvePassword(ctx context.Context, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	if c == nil {
		return "", fmt.Errorf("vault: reference %q but vault is disabled", value)
	}
	path := strings.TrimPrefix(value, RefPrefix)

	c.mu.RLock()
	cached, ok := c.cache[path]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault: read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault: no secret at %s", path)
	}

	// KV v2 nests fields under "data"; KV v1 has them at the top level.
	fields := secret.Data
	if nested, ok := secret.Data["data"].(map[string]any); ok {
		fields = nested
	}
	password, ok := fields[passwordKey].(string)
	if !ok || password == "" {
		return "", fmt.Errorf("vault: secret at %s has no %q field", path, passwordKey)
	}

	c.mu.Lock()
	c.cache[path] = password
	c.mu.Unlock()
	return password, nil
}

// Invalidate drops the cached value for one reference, forcing a re-read.
func (c *Client) Invalidate(value string) {
	if c == nil || !IsRef(value) {
		return
	}
	c.mu.Lock()
	delete(c.cache, strings.TrimPrefix(value, RefPrefix))
	c.mu.Unlock()
}

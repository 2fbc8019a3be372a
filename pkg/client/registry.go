package client

import (
	"fmt"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
)

// Registry owns the process's Client. It is constructed explicitly at
// startup, handed to whatever needs a client, and closed on shutdown.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	client  *Client
	closed  bool
	version uint64
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg}
}

// Get returns the current client, building it on first use.
func (r *Registry) Get() (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("client registry is closed")
	}
	if r.client == nil {
		c, err := New(r.cfg)
		if err != nil {
			return nil, err
		}
		r.client = c
		r.version++
	}
	return r.client, nil
}

// Configure applies new settings. A change limited to the API key is applied
// to the existing client so its connection pool survives; any other change
// replaces the client and closes the old one's idle connections. Requests
// in flight on the old client are left to finish.
func (r *Registry) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rebuild, err := needsRebuild(r.cfg, cfg)
	if err != nil {
		return err
	}
	r.cfg = cfg
	if r.client == nil {
		return nil
	}
	if !rebuild {
		r.client.UpdateAPIKey(cfg.APIKey)
		return nil
	}

	c, err := New(cfg)
	if err != nil {
		return err
	}
	old := r.client
	r.client = c
	r.version++
	old.CloseIdleConnections()
	return nil
}

// UpdateAPIKey changes the credential for subsequent requests.
func (r *Registry) UpdateAPIKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.APIKey = key
	if r.client != nil {
		r.client.UpdateAPIKey(key)
	}
}

// Generation counts how many clients the registry has built.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Close releases idle connections. Get fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.CloseIdleConnections()
		r.client = nil
	}
	r.closed = true
}

func needsRebuild(old, updated Config) (bool, error) {
	if old.Transport != updated.Transport {
		return true, nil
	}
	oldHash, err := hashstructure.Hash(old, hashstructure.FormatV2, nil)
	if err != nil {
		return false, fmt.Errorf("hashing client config: %w", err)
	}
	newHash, err := hashstructure.Hash(updated, hashstructure.FormatV2, nil)
	if err != nil {
		return false, fmt.Errorf("hashing client config: %w", err)
	}
	return oldHash != newHash, nil
}

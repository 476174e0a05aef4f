// Package sessioncache is the client-side single-slot mirror of the current
// session key and its reconciliation with the relayer.
package sessioncache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is the locally held session key. PrivateKeyHex only exists in the
// process that created the key; entries adopted from the server never carry it.
type Entry struct {
	OwnerWallet   string `json:"ownerWallet"`
	PublicKey     string `json:"publicKey"`
	PrivateKeyHex string `json:"privateKey,omitempty"`
	ValidUntil    int64  `json:"validUntil"`
}

// CanSign reports whether the entry holds signing material.
func (e Entry) CanSign() bool {
	return e.PrivateKeyHex != ""
}

// Persister stores the slot between runs.
type Persister interface {
	Load() (*Entry, error)
	// Save writes e; nil clears the stored slot.
	Save(e *Entry) error
}

// Cache holds at most one Entry; Set is last-write-wins.
type Cache struct {
	mu        sync.Mutex
	entry     *Entry
	persister Persister
	now       func() time.Time
}

// New loads any persisted entry. persister may be nil.
func New(persister Persister) (*Cache, error) {
	c := &Cache{persister: persister, now: time.Now}
	if persister != nil {
		e, err := persister.Load()
		if err != nil {
			return nil, err
		}
		c.entry = e
	}
	return c, nil
}

func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Get returns a copy of the held entry.
func (c *Cache) Get() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return Entry{}, false
	}
	return *c.entry, true
}

func (c *Cache) Set(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = &e
	return c.save()
}

func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clear()
}

func (c *Cache) clear() error {
	if c.entry == nil {
		return nil
	}
	c.entry = nil
	return c.save()
}

func (c *Cache) save() error {
	if c.persister == nil {
		return nil
	}
	return c.persister.Save(c.entry)
}

// IsValid mirrors the server rule using only the local validUntil.
func (c *Cache) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry != nil && c.now().Unix() < c.entry.ValidUntil
}

// RemainingSeconds is the time left on the held key, never negative.
func (c *Cache) RemainingSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return 0
	}
	left := c.entry.ValidUntil - c.now().Unix()
	if left < 0 {
		return 0
	}
	return int(left)
}

// OnWalletChanged clears the slot unless it belongs to wallet. An empty
// wallet means disconnect.
func (c *Cache) OnWalletChanged(wallet string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return nil
	}
	if wallet == "" || !strings.EqualFold(c.entry.OwnerWallet, wallet) {
		return c.clear()
	}
	return nil
}

// FilePersister keeps the slot in a JSON file readable only by the owner.
type FilePersister struct {
	Path string
}

func (p FilePersister) Load() (*Entry, error) {
	raw, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (p FilePersister) Save(e *Entry) error {
	if e == nil {
		err := os.Remove(p.Path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.Path, raw, 0o600)
}

package forkdb

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

// Cache is the two-tier read-through store backing a fork: an in-memory map
// that is authoritative for the lifetime of the process, and an optional
// on-disk tier holding one file per key so a later process start can skip the
// remote fetch. The disk tier is strictly best effort: its directory is
// created lazily on first use and any failure degrades the cache to
// memory-only instead of surfacing to callers.
type Cache struct {
	codec Codec

	mu  sync.RWMutex
	mem map[string][]byte

	dir     string
	dirOnce sync.Once
	diskOK  bool

	writes sync.WaitGroup // outstanding detached disk writes
}

// NewCache creates a two-tier cache persisting under dir. An empty dir
// disables the disk tier outright.
func NewCache(dir string) *Cache {
	return &Cache{
		codec: rlpCodec{},
		mem:   make(map[string][]byte),
		dir:   dir,
	}
}

// Get returns the cached value for key, consulting the in-memory tier first
// and the disk tier second. A miss on both returns false and never an error;
// absence of the directory or file just means "not cached". Disk hits are
// pulled up into the memory tier.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	if val, ok := c.mem[key]; ok {
		c.mu.RUnlock()
		return val, true
	}
	c.mu.RUnlock()

	if !c.ensureDir() {
		return nil, false
	}
	blob, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	c.mem[key] = blob
	c.mu.Unlock()
	return blob, true
}

// Put stores the value into the memory tier synchronously and schedules the
// disk write as a detached unit of work: the caller never waits on disk I/O.
// A disk failure is logged and forgotten since memory stays authoritative.
func (c *Cache) Put(key string, value []byte) {
	c.mu.Lock()
	c.mem[key] = value
	c.mu.Unlock()

	if !c.ensureDir() {
		return
	}
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		path := c.path(key)
		if _, err := os.Stat(path); err == nil {
			return // write-once per key
		}
		if err := os.WriteFile(path, value, 0o600); err != nil {
			log.Warn("Fork cache disk write failed", "key", key, "err", err)
		}
	}()
}

// Encode serializes a snapshot value with the cache codec.
func (c *Cache) Encode(val interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.codec.GetEncoder(&buf).Encode(val); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes a snapshot value with the cache codec.
func (c *Cache) Decode(blob []byte, val interface{}) error {
	return c.codec.GetDecoder(bytes.NewReader(blob), uint64(len(blob))).Decode(val)
}

// Flush blocks until all scheduled disk writes have settled. Only tests and
// orderly shutdown care.
func (c *Cache) Flush() {
	c.writes.Wait()
}

// path names the disk entry of a key by a fixed-width hex hash, keeping
// arbitrary key bytes out of the filesystem namespace.
func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, hex.EncodeToString(crypto.Keccak256([]byte(key))))
}

// ensureDir lazily creates the disk directory, degrading the cache to
// memory-only if that fails.
func (c *Cache) ensureDir() bool {
	if c.dir == "" {
		return false
	}
	c.dirOnce.Do(func() {
		if err := os.MkdirAll(c.dir, 0o700); err != nil {
			log.Warn("Fork cache directory unavailable, running memory-only", "dir", c.dir, "err", err)
			return
		}
		c.diskOK = true
	})
	return c.diskOK
}

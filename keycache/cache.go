// Package keycache caches device/epoch-scoped key pairs across an in-memory
// layer and an encrypted persistent layer.
//
// Lookups check memory first, then the persistent store, then invoke the
// derivation primitive and write the result through both layers. The cache
// retains at most MaxCachedEpochs entries per device, keeping the highest
// epochs and evicting older ones from memory and disk together.
package keycache

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/noisepay/crypto"
)

// ErrKeyDerivationFailed indicates the derivation primitive failed; no cache
// entry has been written.
var ErrKeyDerivationFailed = errors.New("key derivation failed")

// DefaultMaxCachedEpochs is the default number of epochs retained per device.
const DefaultMaxCachedEpochs = 5

const indexFile = "index.json"

// Deriver is the external derivation primitive invoked on cache misses.
type Deriver func(seed [32]byte, deviceID string, epoch uint32) (*crypto.KeyPairRecord, error)

// Config holds cache tuning parameters.
type Config struct {
	// MaxCachedEpochs is the per-device retention limit. Zero means the
	// default of 5.
	MaxCachedEpochs int `json:"max_cached_epochs"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{MaxCachedEpochs: DefaultMaxCachedEpochs}
}

// Cache is a two-layer key derivation cache.
//
// Reads may run concurrently; inserts and evictions are serialized so the
// per-device retention invariant always holds. The persistent index is
// rewritten atomically with every insert and eviction.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]*crypto.KeyPairRecord // key: deviceID + ":" + epoch
	store     *KeyStore                        // nil for memory-only operation
	seed      [32]byte
	derive    Deriver
	maxEpochs int
}

// indexEntry identifies one cached key pair in the persistent index.
type indexEntry struct {
	DeviceID string `json:"device_id"`
	Epoch    uint32 `json:"epoch"`
}

// persistedRecord is the on-disk (encrypted) form of a KeyPairRecord.
type persistedRecord struct {
	SecretKey string `json:"secret_key"`
	PublicKey string `json:"public_key"`
	DeviceID  string `json:"device_id"`
	Epoch     uint32 `json:"epoch"`
}

// New creates a cache over the given root seed.
//
// store may be nil, in which case the cache is memory-only. When a store is
// provided, entries recorded in its index become visible to GetOrDerive and
// GetKey without re-derivation.
func New(seed [32]byte, cfg Config, store *KeyStore) (*Cache, error) {
	max := cfg.MaxCachedEpochs
	if max <= 0 {
		max = DefaultMaxCachedEpochs
	}

	c := &Cache{
		entries:   make(map[string]*crypto.KeyPairRecord),
		store:     store,
		seed:      seed,
		derive:    crypto.DeriveKeyPair,
		maxEpochs: max,
	}

	return c, nil
}

// SetDeriver replaces the derivation primitive. Intended for tests and for
// deployments that delegate derivation to external key management.
func (c *Cache) SetDeriver(d Deriver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.derive = d
}

// GetOrDerive returns the key pair for (deviceID, epoch), consulting memory,
// then the persistent store, then the derivation primitive. Derived keys are
// written through both layers before being returned.
func (c *Cache) GetOrDerive(deviceID string, epoch uint32) (*crypto.KeyPairRecord, error) {
	key := cacheKey(deviceID, epoch)

	c.mu.RLock()
	if rec, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return rec, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check under the write lock; another caller may have won the race.
	if rec, ok := c.entries[key]; ok {
		return rec, nil
	}

	// Persistent layer next.
	if rec, err := c.loadFromStore(deviceID, epoch); err == nil && rec != nil {
		c.entries[key] = rec
		return rec, nil
	}

	logrus.WithFields(logrus.Fields{
		"function":  "GetOrDerive",
		"device_id": deviceID,
		"epoch":     epoch,
	}).Debug("Cache miss, invoking derivation primitive")

	rec, err := c.derive(c.seed, deviceID, epoch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivationFailed, err)
	}

	if err := c.insertLocked(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetKey returns the cached key pair for (deviceID, epoch), checking memory
// and then the persistent store. It never derives.
func (c *Cache) GetKey(deviceID string, epoch uint32) (*crypto.KeyPairRecord, bool) {
	key := cacheKey(deviceID, epoch)

	c.mu.RLock()
	if rec, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return rec, true
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.entries[key]; ok {
		return rec, true
	}
	if rec, err := c.loadFromStore(deviceID, epoch); err == nil && rec != nil {
		c.entries[key] = rec
		return rec, true
	}
	return nil, false
}

// SetKey inserts a key pair into both layers and applies eviction.
func (c *Cache) SetKey(rec *crypto.KeyPairRecord) error {
	if rec == nil {
		return errors.New("cannot cache nil record")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(rec)
}

// ClearKey removes one entry from both layers.
func (c *Cache) ClearKey(deviceID string, epoch uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, cacheKey(deviceID, epoch))
	if c.store != nil {
		if err := c.store.DeleteEncrypted(recordFile(deviceID, epoch)); err != nil {
			return fmt.Errorf("failed to delete persisted key: %w", err)
		}
		return c.writeIndexLocked()
	}
	return nil
}

// ClearAllKeys removes every entry for a device from both layers.
func (c *Cache) ClearAllKeys(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, epoch := range c.epochsForDeviceLocked(deviceID) {
		delete(c.entries, cacheKey(deviceID, epoch))
		if c.store != nil {
			if err := c.store.DeleteEncrypted(recordFile(deviceID, epoch)); err != nil {
				return fmt.Errorf("failed to delete persisted key: %w", err)
			}
		}
	}
	if c.store != nil {
		return c.writeIndexLocked()
	}
	return nil
}

// CachedEpochs returns the epochs currently cached for a device, ascending.
func (c *Cache) CachedEpochs(deviceID string) []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	epochs := c.epochsForDeviceLocked(deviceID)
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs
}

// insertLocked writes a record to both layers and evicts epochs beyond the
// retention limit. Caller must hold the write lock. The persistent write
// happens first so a storage failure leaves no memory-only entry behind.
func (c *Cache) insertLocked(rec *crypto.KeyPairRecord) error {
	if c.store != nil {
		data, err := json.Marshal(persistedRecord{
			SecretKey: hex.EncodeToString(rec.SecretKey[:]),
			PublicKey: hex.EncodeToString(rec.PublicKey[:]),
			DeviceID:  rec.DeviceID,
			Epoch:     rec.Epoch,
		})
		if err != nil {
			return fmt.Errorf("failed to serialize key record: %w", err)
		}
		if err := c.store.WriteEncrypted(recordFile(rec.DeviceID, rec.Epoch), data); err != nil {
			return fmt.Errorf("failed to persist key record: %w", err)
		}
	}

	c.entries[cacheKey(rec.DeviceID, rec.Epoch)] = rec

	if err := c.evictLocked(rec.DeviceID); err != nil {
		return err
	}

	if c.store != nil {
		return c.writeIndexLocked()
	}
	return nil
}

// evictLocked enforces the per-device retention limit: epochs are sorted
// descending and everything past maxEpochs is removed from both layers.
// Retention is by epoch ordering, not insertion time.
func (c *Cache) evictLocked(deviceID string) error {
	epochs := c.epochsForDeviceLocked(deviceID)
	if len(epochs) <= c.maxEpochs {
		return nil
	}

	sort.Slice(epochs, func(i, j int) bool { return epochs[i] > epochs[j] })

	for _, epoch := range epochs[c.maxEpochs:] {
		delete(c.entries, cacheKey(deviceID, epoch))
		if c.store != nil {
			if err := c.store.DeleteEncrypted(recordFile(deviceID, epoch)); err != nil {
				return fmt.Errorf("failed to evict persisted key: %w", err)
			}
		}
		logrus.WithFields(logrus.Fields{
			"function":  "evictLocked",
			"device_id": deviceID,
			"epoch":     epoch,
		}).Debug("Evicted key pair beyond retention limit")
	}

	return nil
}

// epochsForDeviceLocked lists epochs for a device across memory and the
// persistent index. Caller must hold at least the read lock.
func (c *Cache) epochsForDeviceLocked(deviceID string) []uint32 {
	seen := make(map[uint32]struct{})
	for key := range c.entries {
		id, epoch, ok := splitCacheKey(key)
		if ok && id == deviceID {
			seen[epoch] = struct{}{}
		}
	}
	if c.store != nil {
		for _, entry := range c.readIndexLocked() {
			if entry.DeviceID == deviceID {
				seen[entry.Epoch] = struct{}{}
			}
		}
	}

	epochs := make([]uint32, 0, len(seen))
	for epoch := range seen {
		epochs = append(epochs, epoch)
	}
	return epochs
}

// loadFromStore reads one record from the persistent layer.
// Returns (nil, nil) when the entry is not present.
func (c *Cache) loadFromStore(deviceID string, epoch uint32) (*crypto.KeyPairRecord, error) {
	if c.store == nil || !c.store.Exists(recordFile(deviceID, epoch)) {
		return nil, nil
	}

	data, err := c.store.ReadEncrypted(recordFile(deviceID, epoch))
	if err != nil {
		return nil, fmt.Errorf("failed to read persisted key: %w", err)
	}

	var p persistedRecord
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("corrupted key record: %w", err)
	}

	secret, err := hex.DecodeString(p.SecretKey)
	if err != nil || len(secret) != 32 {
		return nil, errors.New("corrupted key record: bad secret key")
	}

	var secretKey [32]byte
	copy(secretKey[:], secret)
	crypto.ZeroBytes(secret)

	rec, err := crypto.FromSecretKey(secretKey, p.DeviceID, p.Epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to restore key record: %w", err)
	}
	return rec, nil
}

// writeIndexLocked rewrites the persistent index to match the store contents.
// The index is written atomically so it never references a deleted entry.
func (c *Cache) writeIndexLocked() error {
	// Union of memory entries and the previous index, filtered by what is
	// actually on disk. Entries loaded lazily from the store may not be in
	// memory, and deleted files must drop out of the index.
	seen := make(map[string]indexEntry)
	for key := range c.entries {
		id, epoch, ok := splitCacheKey(key)
		if ok {
			seen[key] = indexEntry{DeviceID: id, Epoch: epoch}
		}
	}
	for _, entry := range c.readIndexLocked() {
		seen[cacheKey(entry.DeviceID, entry.Epoch)] = entry
	}

	index := make([]indexEntry, 0, len(seen))
	for _, entry := range seen {
		if c.store.Exists(recordFile(entry.DeviceID, entry.Epoch)) {
			index = append(index, entry)
		}
	}
	sort.Slice(index, func(i, j int) bool {
		if index[i].DeviceID != index[j].DeviceID {
			return index[i].DeviceID < index[j].DeviceID
		}
		return index[i].Epoch < index[j].Epoch
	})

	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to serialize index: %w", err)
	}
	return c.store.WriteAtomic(indexFile, data)
}

// readIndexLocked parses the persistent index; missing index means empty.
func (c *Cache) readIndexLocked() []indexEntry {
	data, err := c.store.ReadFile(indexFile)
	if err != nil {
		return nil
	}
	var index []indexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "readIndexLocked",
			"error":    err,
		}).Warn("Corrupted cache index, treating as empty")
		return nil
	}
	return index
}

func cacheKey(deviceID string, epoch uint32) string {
	return fmt.Sprintf("%s:%d", deviceID, epoch)
}

func splitCacheKey(key string) (string, uint32, bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			var epoch uint32
			if _, err := fmt.Sscanf(key[i+1:], "%d", &epoch); err != nil {
				return "", 0, false
			}
			return key[:i], epoch, true
		}
	}
	return "", 0, false
}

// recordFile names the encrypted file holding one key record. The device ID
// is hex-encoded so arbitrary IDs stay filesystem-safe.
func recordFile(deviceID string, epoch uint32) string {
	return fmt.Sprintf("key_%s_%d.bin", hex.EncodeToString([]byte(deviceID)), epoch)
}

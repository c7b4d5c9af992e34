// Package cache keeps the last observed value per (plc, tag) pair for
// change detection. The historian writer is its sole writer and updates it
// only after a committed batch, so a failed batch leaves detection state
// untouched and the next poll re-evaluates.
package cache

import (
	"sync"
	"time"

	"github.com/plantops/qhist/config"
)

// Entry is one cached last value.
type Entry struct {
	LastValue   string
	LastUpdated time.Time
}

// Cache is an in-memory map of plcCode:tagAddress to last value.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Key builds the cache key for a reading.
func Key(plcCode, tagAddress string) string {
	return plcCode + ":" + tagAddress
}

// Get returns the cached last value and whether one exists.
func (c *Cache) Get(plcCode, tagAddress string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[Key(plcCode, tagAddress)]
	return e, ok
}

// Set records the last observed value for a pair.
func (c *Cache) Set(plcCode, tagAddress, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[Key(plcCode, tagAddress)] = Entry{LastValue: value, LastUpdated: time.Now()}
}

// Remove forgets one pair.
func (c *Cache) Remove(plcCode, tagAddress string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, Key(plcCode, tagAddress))
}

// Size returns the number of cached pairs.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

// LoadSnapshot seeds the cache from the configuration store's tag rows.
// Rows without a stored last value are skipped. Called once at startup.
func (c *Cache) LoadSnapshot(tags []config.Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range tags {
		if t.LastValue == "" {
			continue
		}
		c.entries[Key(t.PLCCode, t.Address)] = Entry{
			LastValue:   t.LastValue,
			LastUpdated: time.Now(),
		}
		n++
	}
	return n
}

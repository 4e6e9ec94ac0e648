package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/instancer/pkg/log"
)

var bucketTokens = []byte("tokens")

type boltEntry struct {
	TeamID    string    `json:"team_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BoltCache stores tokens in a local bbolt file. Expired entries are
// ignored on read and removed by Sweep, which runs every sweepInterval
// until Close.
type BoltCache struct {
	db     *bolt.DB
	ttl    time.Duration
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

const sweepInterval = time.Hour

// NewBoltCache opens (or creates) the cache file at path
func NewBoltCache(path string, ttl time.Duration) (*BoltCache, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt cache requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open token cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTokens); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketTokens, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &BoltCache{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	go c.sweepLoop()
	return c, nil
}

// Get implements TokenCache
func (c *BoltCache) Get(ctx context.Context, token string) (string, bool, error) {
	var entry boltEntry
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(token))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read token cache: %w", err)
	}
	if !found || !c.now().Before(entry.ExpiresAt) {
		return "", false, nil
	}
	return entry.TeamID, true, nil
}

// Put implements TokenCache
func (c *BoltCache) Put(ctx context.Context, token, teamID string) error {
	data, err := json.Marshal(boltEntry{TeamID: teamID, ExpiresAt: c.now().Add(c.ttl)})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Put([]byte(token), data)
	})
}

// Sweep deletes expired entries and returns how many were removed
func (c *BoltCache) Sweep() (int, error) {
	now := c.now()
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var entry boltEntry
			if err := json.Unmarshal(v, &entry); err != nil || !now.Before(entry.ExpiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (c *BoltCache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := c.Sweep(); err != nil {
				logger := log.WithComponent("cache")
				logger.Warn().Err(err).Msg("Token cache sweep failed")
			} else if n > 0 {
				logger := log.WithComponent("cache")
				logger.Debug().Int("removed", n).Msg("Swept expired tokens")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the sweeper and closes the database
func (c *BoltCache) Close() error {
	c.once.Do(func() { close(c.stopCh) })
	return c.db.Close()
}

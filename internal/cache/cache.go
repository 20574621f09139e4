// Package cache provides a content-addressed, filesystem-backed store for
// agent run outputs keyed by an arbitrary cache key (the pattern executor
// uses an agent's full prompt text); entries are stored under the key's
// SHA-256 digest.
//
// Grounded on original_source/agentling/cache.py's ResultCache.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
)

// DefaultRoot matches ResultCache's default root directory.
const DefaultRoot = ".agentling-cache"

// ResultCache stores run outputs as one JSON file per key under root,
// named by the key's SHA-256 digest.
type ResultCache struct {
	root string
}

// New opens (creating if needed) a ResultCache rooted at root. An empty
// root uses DefaultRoot.
func New(root string) (*ResultCache, error) {
	if root == "" {
		root = DefaultRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &ResultCache{root: root}, nil
}

type entry struct {
	Output string `json:"output"`
}

func (c *ResultCache) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.root, hex.EncodeToString(sum[:])+".json")
}

// Get returns the cached output for key, or ("", false) on a miss. A
// corrupt or unreadable entry is treated as a miss, never an error —
// the cache is an optimization, not a source of truth.
func (c *ResultCache) Get(key string) (string, bool) {
	data, err := os.ReadFile(c.pathFor(key))
	if err != nil {
		return "", false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return "", false
	}
	return e.Output, true
}

// Set stores output under key, replacing any existing entry. It writes to
// a temp file in root and renames into place so a concurrent Get never
// observes a partially written entry.
func (c *ResultCache) Set(key, output string) error {
	data, err := json.Marshal(entry{Output: output})
	if err != nil {
		return err
	}
	target := c.pathFor(key)
	tmp, err := os.CreateTemp(c.root, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

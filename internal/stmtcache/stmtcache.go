// Package stmtcache implements the bounded per-session prepared-statement
// cache described in spec.md §4.5: capped at pstmtCacheSize entries, keyed
// on the SQL text *and* any mutable per-session context (e.g. the active
// schema) so a context switch never aliases a statement prepared under a
// different context.
package stmtcache

import (
	"context"
	"database/sql"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// key composes the SQL text with the context it was prepared under.
type key struct {
	sql     string
	context string
}

// Cache is a bounded, per-session cache of *sql.Stmt.
type Cache struct {
	mu    sync.Mutex
	cache *lru.Cache[key, *sql.Stmt]
}

// New creates a cache holding at most size entries. Evicted entries are
// closed. A size of 0 disables caching: every Prepare call hits the
// database directly.
func New(size int) *Cache {
	if size <= 0 {
		return &Cache{}
	}
	c, _ := lru.NewWithEvict(size, func(_ key, stmt *sql.Stmt) {
		_ = stmt.Close()
	})
	return &Cache{cache: c}
}

// Prepare returns the cached statement for (sqlText, ctxKey) if present,
// otherwise prepares a new one via db and caches it.
func (c *Cache) Prepare(ctx context.Context, db *sql.DB, sqlText, ctxKey string) (*sql.Stmt, error) {
	if c.cache == nil {
		return db.PrepareContext(ctx, sqlText)
	}

	k := key{sql: sqlText, context: ctxKey}

	c.mu.Lock()
	if stmt, ok := c.cache.Get(k); ok {
		c.mu.Unlock()
		return stmt, nil
	}
	c.mu.Unlock()

	stmt, err := db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have raced us; prefer the existing entry and
	// close the duplicate rather than leak it.
	if existing, ok := c.cache.Get(k); ok {
		_ = stmt.Close()
		return existing, nil
	}
	c.cache.Add(k, stmt)
	return stmt, nil
}

// Close closes every cached statement and empties the cache.
func (c *Cache) Close() {
	if c.cache == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.cache.Keys() {
		if stmt, ok := c.cache.Peek(k); ok {
			_ = stmt.Close()
		}
	}
	c.cache.Purge()
}

// Len returns the current number of cached statements.
func (c *Cache) Len() int {
	if c.cache == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

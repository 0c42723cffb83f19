package relmap

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/relmap/schema"
)

// A Cache stores encoded finder results. Implementations must be safe
// for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	DeletePrefix(ctx context.Context, prefix string)
	Clear(ctx context.Context)
}

type memEntry struct {
	data []byte
	exp  time.Time
}

// MemoryCache is an in-process Cache with per-entry expiry.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memEntry)}
}

// Get returns the cached bytes for key, expiring lazily.
func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(m.entries, key)
		return nil, false
	}
	return e.data, true
}

// Set stores val under key. A zero ttl stores without expiry.
func (m *MemoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{data: val}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	m.entries[key] = e
}

// Delete removes one entry.
func (m *MemoryCache) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// DeletePrefix removes every entry whose key starts with prefix.
func (m *MemoryCache) DeletePrefix(_ context.Context, prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
}

// Clear removes every entry.
func (m *MemoryCache) Clear(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memEntry)
}

// cacheKey derives the cache key of a compiled query. Keys are prefixed
// with the record type so writes can invalidate per type.
func cacheKey(typeName, stmt string, args []any) string {
	return fmt.Sprintf("%s:%s:%v", typeName, stmt, args)
}

// invalidate drops every cached result of the given record type.
func (c *Client) invalidate(ctx context.Context, typeName string) {
	if c.cache != nil {
		c.cache.DeletePrefix(ctx, typeName+":")
	}
}

// cachedRow is the wire form of one record in the cache.
type cachedRow struct {
	Attrs map[string]any `msgpack:"attrs"`
}

// encodeRecords serializes loaded records for caching. Association
// caches are not serialized; cached results always come back without
// resolved associations.
func encodeRecords(recs []*Record) ([]byte, error) {
	rows := make([]cachedRow, len(recs))
	for i, r := range recs {
		attrs := make(map[string]any, len(r.attrs))
		for name, v := range r.attrs {
			iv := v.Interface()
			// UUIDs round-trip as strings; their native array form does
			// not survive an interface{} decode.
			if u, ok := iv.(uuid.UUID); ok {
				iv = u.String()
			}
			attrs[name] = iv
		}
		rows[i] = cachedRow{Attrs: attrs}
	}
	return msgpack.Marshal(rows)
}

// decodeRecords deserializes cached rows back into persisted records
// bound to the client. Attribute values are coerced per column kind.
func decodeRecords(c *Client, t *schema.Table, data []byte) ([]*Record, error) {
	var rows []cachedRow
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// Loose decoding widens every integer to int64; the sized forms the
	// strict mode returns would fail column coercion.
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	recs := make([]*Record, len(rows))
	for i, row := range rows {
		r := NewRecord(t)
		r.client = c
		r.persisted = true
		for name, raw := range row.Attrs {
			col, ok := t.Column(name)
			if !ok {
				continue
			}
			if u, isUint := raw.(uint64); isUint {
				raw = int64(u)
			}
			v, err := col.Value(raw)
			if err != nil {
				return nil, err
			}
			r.hydrated(name, v)
		}
		recs[i] = r
	}
	return recs, nil
}

// AllCached executes the query through the client's cache: a hit decodes
// without touching the database, a miss loads and fills the cache.
// Queries carrying eager-load specs or a lock clause bypass the cache.
// Without a configured cache it is identical to All.
func (c *Client) AllCached(ctx context.Context, q Query) ([]*Record, error) {
	if q.err != nil {
		return nil, q.err
	}
	if c.cache == nil || len(q.includes) > 0 || q.lock != "" {
		return c.All(ctx, q)
	}
	stmt, args, err := q.Compile(c.Dialect())
	if err != nil {
		return nil, err
	}
	key := cacheKey(q.table.TypeName, stmt, args)
	if data, ok := c.cache.Get(ctx, key); ok {
		if recs, err := decodeRecords(c, q.table, data); err == nil {
			return recs, nil
		}
		// Undecodable entries are stale; drop and reload.
		c.cache.Delete(ctx, key)
	}
	recs, err := c.All(ctx, q)
	if err != nil {
		return nil, err
	}
	if data, err := encodeRecords(recs); err == nil {
		c.cache.Set(ctx, key, data, c.ttl)
	}
	return recs, nil
}

// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Package store wraps the Redis usage source: deduplicating paginated key
// scans, the server-side batch fetch script (addressed by content hash, with
// inline EVAL fallback when the script cache is cold), and bulk value reads.
package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

// Store is the engine's read-only view of the usage counters.
type Store struct {
	client    redis.Cmdable
	batch     int64
	script    string
	scriptSHA string
}

// New builds a store over its own Redis client. addr is "host:port";
// luaPath names the batch fetch script on disk.
func New(addr string, batch int, luaPath string) (*Store, error) {
	script, err := os.ReadFile(luaPath)
	if err != nil {
		return nil, fmt.Errorf("read fetch script %s: %w", luaPath, err)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return NewWithClient(client, batch, string(script)), nil
}

// NewWithClient builds a store over an existing client; tests inject
// miniredis-backed clients here.
func NewWithClient(client redis.Cmdable, batch int, script string) *Store {
	sum := sha1.Sum([]byte(script))
	return &Store{
		client:    client,
		batch:     int64(batch),
		script:    script,
		scriptSHA: hex.EncodeToString(sum[:]),
	}
}

// ScanKeys enumerates all keys matching pattern with a paginated SCAN,
// deduplicating results (SCAN is permitted to return duplicates). If abort
// is non-nil and reports true between pages, the scan stops and returns
// aborted=true; the verb loop uses this to discard scans that spill past
// their second.
func (s *Store) ScanKeys(ctx context.Context, pattern string, abort func() bool) (keys []string, aborted bool, err error) {
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		page, next, err := s.client.Scan(ctx, cursor, pattern, s.batch).Result()
		if err != nil {
			// The cursor may be unusable after a failure; the next tick
			// starts fresh from zero.
			return nil, false, fmt.Errorf("redis scan %q: %w", pattern, err)
		}
		if abort != nil && abort() {
			return nil, true, nil
		}
		for _, k := range page {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
		cursor = next
		if cursor == 0 {
			return keys, false, nil
		}
	}
}

// FetchCounters runs the batch fetch script over keys in one round trip and
// returns one reply element per key. It addresses the script by SHA1 and
// falls back to uploading the body inline when the server's script cache
// misses.
func (s *Store) FetchCounters(ctx context.Context, keys []string) ([]interface{}, error) {
	res, err := s.client.EvalSha(ctx, s.scriptSHA, keys).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		res, err = s.client.Eval(ctx, s.script, keys).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis fetch script: %w", err)
	}
	rows, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("redis fetch script: unexpected reply type %T", res)
	}
	if len(rows) != len(keys) {
		return nil, fmt.Errorf("redis fetch script: %d replies for %d keys", len(rows), len(keys))
	}
	return rows, nil
}

// MGet bulk-reads plain string counters. Elements are nil for keys deleted
// between SCAN and the read.
func (s *Store) MGet(ctx context.Context, keys []string) ([]interface{}, error) {
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	return vals, nil
}

// FieldPairs decodes one fetch-script reply element for a verb key into the
// flat [field, value, field, value, ...] list the script produces.
func FieldPairs(row interface{}) ([]string, error) {
	items, ok := row.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected field/value list, got %T", row)
	}
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("odd field/value list length %d", len(items))
	}
	out := make([]string, len(items))
	for i, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("field/value element %d has type %T", i, item)
		}
		out[i] = str
	}
	return out, nil
}

// Count decodes one fetch-script or MGET reply element for a connection key
// into its integer counter. ok is false for nil replies (key deleted
// mid-flight) and undecodable values.
func Count(row interface{}) (int64, bool) {
	switch v := row.(type) {
	case nil:
		return 0, false
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

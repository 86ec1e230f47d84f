// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

package store

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

// getScript mirrors the batch fetch contract for plain string counters: one
// reply element per key, in key order.
const getScript = `local result = {}
for i, key in ipairs(KEYS) do
    result[i] = redis.call('GET', key)
end
return result`

func newTestStore(t *testing.T, batch int, script string) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, batch, script), mr, client
}

func TestScanKeysPaginatesAndDeduplicates(t *testing.T) {
	st, mr, _ := newTestStore(t, 2, getScript)

	want := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("verb_100_user_KEY%d$ep", i)
		mr.Set(key, "1")
		want = append(want, key)
	}
	mr.Set("conn_user_KEY1$ep", "1") // must not match

	keys, aborted, err := st.ScanKeys(context.Background(), "verb_*", nil)
	if err != nil {
		t.Fatalf("ScanKeys: %v", err)
	}
	if aborted {
		t.Fatal("scan aborted without an abort func")
	}
	sort.Strings(keys)
	sort.Strings(want)
	if len(keys) != len(want) {
		t.Fatalf("ScanKeys returned %d keys, want %d: %v", len(keys), len(want), keys)
	}
	for i := range keys {
		if keys[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestScanKeysAbort(t *testing.T) {
	st, mr, _ := newTestStore(t, 2, getScript)
	for i := 0; i < 5; i++ {
		mr.Set(fmt.Sprintf("verb_100_user_KEY%d$ep", i), "1")
	}

	keys, aborted, err := st.ScanKeys(context.Background(), "verb_*", func() bool { return true })
	if err != nil {
		t.Fatalf("ScanKeys: %v", err)
	}
	if !aborted {
		t.Error("abort func was ignored")
	}
	if keys != nil {
		t.Errorf("aborted scan returned keys: %v", keys)
	}
}

func TestFetchCountersFallsBackToEval(t *testing.T) {
	st, mr, _ := newTestStore(t, 10, getScript)
	mr.Set("conn_user_KEY1$ep", "12")
	mr.Set("conn_user_KEY2$ep", "7")

	// The script cache is cold, so the first fetch must fall back from
	// EVALSHA to EVAL.
	rows, err := st.FetchCounters(context.Background(), []string{"conn_user_KEY1$ep", "conn_user_KEY2$ep"})
	if err != nil {
		t.Fatalf("FetchCounters: %v", err)
	}
	if n, ok := Count(rows[0]); !ok || n != 12 {
		t.Errorf("rows[0] = %v, want 12", rows[0])
	}
	if n, ok := Count(rows[1]); !ok || n != 7 {
		t.Errorf("rows[1] = %v, want 7", rows[1])
	}
}

func TestFetchCountersUsesCachedScript(t *testing.T) {
	st, mr, client := newTestStore(t, 10, getScript)
	mr.Set("conn_user_KEY1$ep", "3")

	sha, err := client.ScriptLoad(context.Background(), getScript).Result()
	if err != nil {
		t.Fatalf("ScriptLoad: %v", err)
	}
	if sha != st.scriptSHA {
		t.Fatalf("script sha mismatch: server %s, store %s", sha, st.scriptSHA)
	}

	rows, err := st.FetchCounters(context.Background(), []string{"conn_user_KEY1$ep"})
	if err != nil {
		t.Fatalf("FetchCounters: %v", err)
	}
	if n, ok := Count(rows[0]); !ok || n != 3 {
		t.Errorf("rows[0] = %v, want 3", rows[0])
	}
}

func TestFetchCountersRejectsShortReply(t *testing.T) {
	st, _, _ := newTestStore(t, 10, `return {}`)
	if _, err := st.FetchCounters(context.Background(), []string{"conn_user_KEY1$ep"}); err == nil {
		t.Error("expected reply length error")
	}
}

func TestMGetReturnsNilForMissingKeys(t *testing.T) {
	st, mr, _ := newTestStore(t, 10, getScript)
	mr.Set("conn_v2_user_up_i1_KEY1$ep", "5")

	vals, err := st.MGet(context.Background(), []string{"conn_v2_user_up_i1_KEY1$ep", "conn_v2_user_up_i1_GONE$ep"})
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}
	if n, ok := Count(vals[0]); !ok || n != 5 {
		t.Errorf("vals[0] = %v, want 5", vals[0])
	}
	if _, ok := Count(vals[1]); ok {
		t.Errorf("missing key decoded to a count: %v", vals[1])
	}
}

func TestFieldPairs(t *testing.T) {
	pairs, err := FieldPairs([]interface{}{"GET", "250", "bnd_dwn", "1048576"})
	if err != nil {
		t.Fatalf("FieldPairs: %v", err)
	}
	want := []string{"GET", "250", "bnd_dwn", "1048576"}
	if len(pairs) != len(want) {
		t.Fatalf("FieldPairs = %v, want %v", pairs, want)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Errorf("pairs[%d] = %q, want %q", i, pairs[i], want[i])
		}
	}

	if _, err := FieldPairs([]interface{}{"GET"}); err == nil {
		t.Error("odd-length list accepted")
	}
	if _, err := FieldPairs("not a list"); err == nil {
		t.Error("non-list accepted")
	}
	if _, err := FieldPairs([]interface{}{"GET", int64(250)}); err == nil {
		t.Error("non-string element accepted")
	}
}

func TestCount(t *testing.T) {
	cases := []struct {
		in   interface{}
		want int64
		ok   bool
	}{
		{nil, 0, false},
		{int64(42), 42, true},
		{"17", 17, true},
		{"not a number", 0, false},
		{3.14, 0, false},
	}
	for _, tc := range cases {
		got, ok := Count(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Count(%v) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

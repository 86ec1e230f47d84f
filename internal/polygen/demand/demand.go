// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Package demand aggregates per-proxy connection demand and divides each
// user's bandwidth quota across proxy instances in proportion to it. The
// resulting limit-share table is global information, so it is sent to every
// proxy; each proxy filters it down to its own instance-id.
package demand

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bloomberg/weir-qos/internal/polygen/dispatch"
	"github.com/bloomberg/weir-qos/internal/polygen/limits"
	"github.com/bloomberg/weir-qos/internal/polygen/store"
	"github.com/bloomberg/weir-qos/internal/polygen/telemetry"
	"github.com/bloomberg/weir-qos/internal/polygen/usage"
)

const (
	shareHeader  = "limit_share\n"
	shareTrailer = "end_limit_share\n"
)

// Source abstracts the store operations the demand loop needs. *store.Store
// implements it.
type Source interface {
	ScanKeys(ctx context.Context, pattern string, abort func() bool) (keys []string, aborted bool, err error)
	MGet(ctx context.Context, keys []string) ([]interface{}, error)
}

// Key identifies one user/direction demand bucket. The instance-id stays
// out of the key because limit shares need demand aggregated for a user
// across all instances.
type Key struct {
	User string
	Dir  usage.Direction
}

// Map holds outstanding request counts per (user, direction) and instance.
type Map map[Key]map[string]int64

// Aggregator runs the slow demand loop.
type Aggregator struct {
	log     *zap.Logger
	zone    string
	tick    time.Duration
	st      Source
	reg     *limits.Registry
	proxies []*dispatch.Proxy
}

// NewAggregator builds the demand loop over every configured proxy.
func NewAggregator(log *zap.Logger, zone string, tick time.Duration, st Source, reg *limits.Registry, proxies []*dispatch.Proxy) *Aggregator {
	return &Aggregator{log: log, zone: zone, tick: tick, st: st, reg: reg, proxies: proxies}
}

// Run executes the demand cycle at its (slow) cadence until ctx is
// cancelled. Limit shares translate into limits that hold for a while, so
// this runs far less often than the violation loops.
func (a *Aggregator) Run(ctx context.Context) {
	a.log.Info("starting demand loop", zap.Duration("interval", a.tick))
	timer := telemetry.NewAvgTimer(a.log, a.zone, "limit_share_check_loop", 1000)

	for {
		done := timer.Track(1)
		start := time.Now()
		a.runCycle(ctx)
		telemetry.LoopDuration.WithLabelValues("demand").Observe(time.Since(start).Seconds())
		done()

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.tick):
		}
	}
}

func (a *Aggregator) runCycle(ctx context.Context) {
	keys, _, err := a.st.ScanKeys(ctx, "conn_v2_*", nil)
	if err != nil {
		telemetry.ScanErrors.Inc()
		a.log.Warn("failed to collect demand info", zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	vals, err := a.st.MGet(ctx, keys)
	if err != nil {
		telemetry.ScanErrors.Inc()
		a.log.Warn("failed to collect demand info", zap.Error(err))
		return
	}

	demand := a.aggregate(keys, vals)
	shares := a.ComputeShares(demand)
	block := FormatShareBlock(shares, time.Now().UnixMilli())
	if block == "" {
		return
	}

	a.log.Debug("sending limit-share message to all haproxies", zap.String("block", block))
	for _, p := range a.proxies {
		p.SendDirect(block)
	}
}

// aggregate builds the demand map from conn_v2 keys and their counters.
// Malformed keys and counters deleted between SCAN and MGET are skipped.
func (a *Aggregator) aggregate(keys []string, vals []interface{}) Map {
	demand := make(Map)
	for i, key := range keys {
		count, ok := store.Count(vals[i])
		if !ok {
			continue
		}
		rec, err := usage.ParseConnKey(key, 0)
		if err != nil || rec.Version != usage.ConnV2 {
			telemetry.ParseErrors.Inc()
			a.log.Warn("invalid connection key", zap.String("key", key))
			continue
		}
		k := Key{User: rec.User, Dir: rec.Dir}
		if demand[k] == nil {
			demand[k] = make(map[string]int64)
		}
		demand[k][rec.Instance] += count
	}
	return demand
}

// ComputeShares splits each user's bandwidth quota for a direction across
// instances in proportion to their observed demand, floored to whole
// bytes/second. Buckets with zero total demand produce nothing. Each user's
// shares depend only on their own demand distribution.
func (a *Aggregator) ComputeShares(demand Map) Map {
	result := make(Map, len(demand))
	for k, instances := range demand {
		var total int64
		for _, n := range instances {
			total += n
		}
		if total == 0 {
			continue
		}

		quota := a.reg.GetLimit("user_bnd_"+k.Dir.String(), k.User) * usage.MB
		shares := make(map[string]int64, len(instances))
		for instance, n := range instances {
			shares[instance] = int64(quota * (float64(n) / float64(total)))
		}
		result[k] = shares
	}
	return result
}

// FormatShareBlock renders the framed limit-share batch: one line per user
// and direction, entries with a zero share omitted. Returns "" when there
// is nothing to send.
func FormatShareBlock(shares Map, epochMS int64) string {
	bucketKeys := make([]Key, 0, len(shares))
	for k := range shares {
		bucketKeys = append(bucketKeys, k)
	}
	sort.Slice(bucketKeys, func(i, j int) bool {
		if bucketKeys[i].User != bucketKeys[j].User {
			return bucketKeys[i].User < bucketKeys[j].User
		}
		return bucketKeys[i].Dir < bucketKeys[j].Dir
	})

	var lines []string
	for _, k := range bucketKeys {
		instances := make([]string, 0, len(shares[k]))
		for instance := range shares[k] {
			instances = append(instances, instance)
		}
		sort.Strings(instances)

		parts := make([]string, 0, len(instances))
		for _, instance := range instances {
			if share := shares[k][instance]; share > 0 {
				parts = append(parts, fmt.Sprintf("%s_%s_%d", instance, k.Dir, share))
			}
		}
		if len(parts) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d,%s,%s", epochMS, k.User, strings.Join(parts, ",")))
	}
	if len(lines) == 0 {
		return ""
	}
	return shareHeader + strings.Join(lines, "\n") + "\n" + shareTrailer
}

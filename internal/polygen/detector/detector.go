// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Package detector runs the epoch scan loops: the verb/throughput loop over
// per-second counter hashes and the connection loop with its hysteretic
// block/unblock state machine. Both consume the limit registry and produce
// policy messages through a per-loop bookkeeper.
package detector

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bloomberg/weir-qos/internal/polygen/dispatch"
	"github.com/bloomberg/weir-qos/internal/polygen/limits"
	"github.com/bloomberg/weir-qos/internal/polygen/store"
	"github.com/bloomberg/weir-qos/internal/polygen/telemetry"
	"github.com/bloomberg/weir-qos/internal/polygen/usage"
	"github.com/bloomberg/weir-qos/internal/polygen/violations"
)

// Source abstracts the slice of the usage store the detector reads:
// deduplicated key scans and the batched counter fetch. *store.Store
// implements it.
type Source interface {
	ScanKeys(ctx context.Context, pattern string, abort func() bool) (keys []string, aborted bool, err error)
	FetchCounters(ctx context.Context, keys []string) ([]interface{}, error)
}

// Config carries the detector's tuning knobs out of the main config.
type Config struct {
	Zone           string
	Tick           time.Duration
	BatchSize      int
	UnblockRatio   float64
	UnblockBackoff time.Duration
}

// Detector owns both scan loops. The verb loop fans batches out to the
// worker pool; the connection loop runs inline because its blocked-user
// table must stay single-writer.
type Detector struct {
	log  *zap.Logger
	cfg  Config
	st   Source
	reg  *limits.Registry
	unk  *limits.UnknownUsers
	topo dispatch.Topology
	pool *Pool

	// blocked maps user -> epoch time of the last block decision. Touched
	// only by the connection loop goroutine. Keyed by user alone: a user
	// blocked via one endpoint suppresses re-blocks on another, matching
	// proxy-visible behavior.
	blocked map[string]float64
}

// New builds a detector over the shared registry, store, and topology.
func New(log *zap.Logger, cfg Config, st Source, reg *limits.Registry, unk *limits.UnknownUsers, topo dispatch.Topology, pool *Pool) *Detector {
	return &Detector{
		log:     log,
		cfg:     cfg,
		st:      st,
		reg:     reg,
		unk:     unk,
		topo:    topo,
		pool:    pool,
		blocked: make(map[string]float64),
	}
}

// violation is one classified over-limit observation on its way to the
// bookkeeper.
type violation struct {
	endpoint string
	cat      usage.Category
	user     string
	ratio    float64
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// RunVerbLoop scans verb_<epoch>_* keys every tick until ctx is cancelled.
func (d *Detector) RunVerbLoop(ctx context.Context) {
	d.log.Info("starting verb check loop")
	book := violations.NewBookkeeper()
	timer := telemetry.NewAvgTimer(d.log, d.cfg.Zone, "verb_check_loop", 1000)

	for {
		d.reg.MaybeReload()
		d.unk.Report()

		done := timer.Track(1)
		start := time.Now()
		d.runVerbCycle(ctx, book)
		telemetry.LoopDuration.WithLabelValues("verb").Observe(time.Since(start).Seconds())
		done()

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.Tick):
		}
	}
}

func (d *Detector) runVerbCycle(ctx context.Context, book *violations.Bookkeeper) {
	epochTime := nowSeconds()
	epochSec := int64(epochTime)

	pattern := fmt.Sprintf("verb_%d_*", epochSec)
	keys, aborted, err := d.st.ScanKeys(ctx, pattern, func() bool {
		return time.Now().Unix() != epochSec
	})
	if err != nil {
		telemetry.ScanErrors.Inc()
		d.log.Warn("redis scan failed", zap.String("pattern", pattern), zap.Error(err))
		return
	}
	if aborted {
		d.log.Debug("verb scan spilled over the next second", zap.Int64("epoch", epochSec))
		return
	}
	if len(keys) == 0 {
		return
	}

	// Workers fetch and classify; the loop goroutine books and dispatches,
	// keeping the bookkeeper single-threaded.
	var (
		mu    sync.Mutex
		found []violation
		wg    sync.WaitGroup
	)
	for start := 0; start < len(keys); start += d.cfg.BatchSize {
		end := start + d.cfg.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		wg.Add(1)
		d.pool.Submit(func() {
			defer wg.Done()
			vios := d.checkVerbChunk(ctx, chunk)
			if len(vios) == 0 {
				return
			}
			mu.Lock()
			found = append(found, vios...)
			mu.Unlock()
		})
	}
	wg.Wait()

	for _, v := range found {
		book.Add(epochTime, v.endpoint, v.cat, v.user, v.ratio)
		telemetry.ViolationsEmitted.WithLabelValues(categoryKind(v.cat)).Inc()
	}
	d.dispatchViolations(book, epochTime)
}

// checkVerbChunk fetches counter fields for one key chunk in a single round
// trip and classifies each against its limit.
func (d *Detector) checkVerbChunk(ctx context.Context, keys []string) []violation {
	rows, err := d.st.FetchCounters(ctx, keys)
	if err != nil {
		telemetry.ScanErrors.Inc()
		d.log.Warn("counter fetch failed, skipping batch", zap.Error(err))
		return nil
	}

	var found []violation
	for i, key := range keys {
		rec, err := usage.ParseVerbKey(key)
		if err != nil {
			telemetry.ParseErrors.Inc()
			d.log.Warn("could not parse key", zap.String("key", key), zap.Error(err))
			continue
		}
		pairs, err := store.FieldPairs(rows[i])
		if err != nil {
			telemetry.ParseErrors.Inc()
			d.log.Warn("unexpected counter shape", zap.String("key", key), zap.Error(err))
			continue
		}
		for j := 0; j+1 < len(pairs); j += 2 {
			field, valStr := pairs[j], pairs[j+1]
			cat, ok := usage.CategoryFromField(field)
			if !ok {
				telemetry.ParseErrors.Inc()
				d.log.Warn("unknown counter field", zap.String("key", key), zap.String("field", field))
				continue
			}
			val, err := strconv.ParseFloat(valStr, 64)
			if err != nil {
				telemetry.ParseErrors.Inc()
				d.log.Warn("bad counter value", zap.String("key", key), zap.String("value", valStr))
				continue
			}
			if v, over := d.classify(cat, rec.User, val); over {
				found = append(found, violation{rec.Endpoint, cat, rec.User, v})
			}
		}
	}
	return found
}

// classify compares an observed counter against the effective limit and
// returns the one-decimal over-limit ratio when it is reached. Bandwidth
// limits are configured in MB/s while counters arrive in bytes/s.
func (d *Detector) classify(cat usage.Category, user string, val float64) (float64, bool) {
	limit := d.reg.GetLimit(string(cat), user)
	eff := limits.EffectiveLimit(cat, limit)
	if val < eff {
		return 0, false
	}
	if eff <= 0 {
		return 0, true
	}
	return round1(val / eff), true
}

// RunConnLoop scans conn_* keys every tick until ctx is cancelled.
func (d *Detector) RunConnLoop(ctx context.Context) {
	d.log.Info("starting connection check loop")
	book := violations.NewBookkeeper()
	timer := telemetry.NewAvgTimer(d.log, d.cfg.Zone, "conn_check_loop", 1000)

	for {
		d.reg.MaybeReload()
		d.unk.Report()

		done := timer.Track(1)
		start := time.Now()
		d.runConnCycle(ctx, book)
		telemetry.LoopDuration.WithLabelValues("conn").Observe(time.Since(start).Seconds())
		done()

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.Tick):
		}
	}
}

func (d *Detector) runConnCycle(ctx context.Context, book *violations.Bookkeeper) {
	epochTime := nowSeconds()

	// Connection keys carry no epoch of their own, so all of them match.
	keys, _, err := d.st.ScanKeys(ctx, "conn_*", nil)
	if err != nil {
		telemetry.ScanErrors.Inc()
		d.log.Warn("redis scan failed", zap.String("pattern", "conn_*"), zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	rows, err := d.st.FetchCounters(ctx, keys)
	if err != nil {
		telemetry.ScanErrors.Inc()
		d.log.Warn("counter fetch failed", zap.Error(err))
		return
	}

	records := make([]*usage.ConnUsage, 0, len(keys))
	for i, key := range keys {
		rec, err := usage.ParseConnKey(key, int64(epochTime))
		if err != nil {
			telemetry.ParseErrors.Inc()
			d.log.Warn("could not parse key", zap.String("key", key), zap.Error(err))
			continue
		}
		count, ok := store.Count(rows[i])
		if !ok {
			// Key deleted between SCAN and fetch, or undecodable.
			continue
		}
		rec.Count = count
		records = append(records, rec)
	}

	for _, rec := range usage.MergeConn(records) {
		d.evalConn(book, rec, epochTime)
	}
	d.dispatchViolations(book, epochTime)
}

// evalConn runs the block/unblock state machine for one merged per-user
// connection count.
//
// BLOCK when over the limit and not yet blocked, when over and the backoff
// heartbeat is due, or when blocked and hovering between the unblock ratio
// and the limit with the heartbeat due. UNBLOCK when blocked and at or
// below the unblock ratio; at exactly the unblock ratio, UNBLOCK wins.
func (d *Detector) evalConn(book *violations.Bookkeeper, rec *usage.ConnUsage, epochTime float64) {
	limit := d.reg.GetLimit(string(usage.CatConns), rec.User)
	ratio := float64(rec.Count) / limit
	over := ratio >= 1

	blockedAt, isBlocked := d.blocked[rec.User]
	heartbeatDue := !isBlocked || blockedAt+d.cfg.UnblockBackoff.Seconds() < epochTime

	switch {
	case (over && !isBlocked) ||
		(over && heartbeatDue) ||
		(!over && isBlocked && heartbeatDue && ratio > d.cfg.UnblockRatio):
		book.Add(epochTime, rec.Endpoint, usage.CatReqsBlock, rec.User, 0)
		telemetry.ViolationsEmitted.WithLabelValues("conns").Inc()
		d.blocked[rec.User] = epochTime
	case isBlocked && ratio <= d.cfg.UnblockRatio:
		book.Add(epochTime, rec.Endpoint, usage.CatReqsUnblock, rec.User, 0)
		delete(d.blocked, rec.User)
	}
}

// dispatchViolations renders this epoch's pending messages and fans each out
// to every proxy of its endpoint. Endpoints absent from the topology are
// reported and left alone.
func (d *Detector) dispatchViolations(book *violations.Bookkeeper, epochTime float64) {
	for _, endpoint := range book.Endpoints() {
		proxies, ok := d.topo[endpoint]
		if !ok {
			d.log.Warn("invalid endpoint", zap.String("endpoint", endpoint))
			continue
		}
		for _, msg := range book.Messages(endpoint, epochTime) {
			d.log.Info("violation message", zap.String("message", msg))
			for _, p := range proxies {
				p.Enqueue(msg)
			}
		}
	}
}

func categoryKind(cat usage.Category) string {
	switch {
	case cat.IsBandwidth():
		return "bandwidth"
	case cat.IsReqsToggle():
		return "conns"
	default:
		return "verb"
	}
}

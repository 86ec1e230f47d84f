// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Package limits loads per-user QoS limits and answers layered
// (category, user) lookups. The limit set is an immutable snapshot; reloads
// swap in a fresh snapshot atomically so detector iterations always observe
// a consistent view.
package limits

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/bloomberg/weir-qos/internal/polygen/usage"
)

const (
	// NotConfigured marks a category a QoS class deliberately leaves unset.
	NotConfigured = -1

	// DefaultQoSClass is the sentinel class consulted when a user has no
	// class of their own (or their class lacks the category).
	DefaultQoSClass = "DEFAULT"

	// CommonUser is the pseudo-user whose mapped class, when present,
	// replaces DefaultQoSClass as the fallback source. It is never itself
	// rate-limited as a user.
	CommonUser = "common"

	// Hard-coded floors applied when neither the user's class nor the
	// fallback class configures a category.
	DefaultVerbRateLimit      = 1000 // requests/sec
	DefaultBandwidthLimitMB   = 250  // MB/sec
	DefaultActiveRequestLimit = 5000 // concurrent connections
)

// Limits is one immutable snapshot of the on-disk limits cache,
// ~/weir_<zone>_cache_limits.json.
type Limits struct {
	UserToQoS map[string]string             `json:"user_to_qos_id"`
	QoS       map[string]map[string]float64 `json:"qos"`
}

// Empty returns a snapshot with no configured limits. Lookups against it
// resolve to the hard-coded defaults.
func Empty() *Limits {
	return &Limits{}
}

// LoadFile reads a limits snapshot from the JSON cache file.
func LoadFile(path string) (*Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limits cache %s: %w", path, err)
	}
	var l Limits
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse limits cache %s: %w", path, err)
	}
	return &l, nil
}

// classLimit looks a category up in one QoS class, treating both a missing
// entry and the NotConfigured sentinel as unset.
func (l *Limits) classLimit(class string, cat string) (float64, bool) {
	limits, ok := l.QoS[class]
	if !ok {
		return 0, false
	}
	v, ok := limits[cat]
	if !ok || v == NotConfigured {
		return 0, false
	}
	return v, true
}

// userLimit resolves step 1 of the layering: the user's own class.
func (l *Limits) userLimit(cat, user string) (float64, bool) {
	class, ok := l.UserToQoS[user]
	if !ok {
		return 0, false
	}
	return l.classLimit(class, cat)
}

// fallbackLimit resolves step 2: the class mapped to the "common"
// pseudo-user if present, else the DEFAULT class.
func (l *Limits) fallbackLimit(cat string) (float64, bool) {
	class := DefaultQoSClass
	if c, ok := l.UserToQoS[CommonUser]; ok {
		class = c
	}
	return l.classLimit(class, cat)
}

// hardCodedLimit resolves step 3 by category family. Verbs without an entry
// anywhere get a non-zero floor so an unconfigured deployment still limits.
func hardCodedLimit(cat string, defaultActiveRequests float64) float64 {
	switch {
	case strings.Contains(cat, "_bnd_"):
		return DefaultBandwidthLimitMB
	case strings.Contains(cat, "_conns"):
		return defaultActiveRequests
	default:
		return DefaultVerbRateLimit
	}
}

// EffectiveLimit converts a looked-up limit into the unit counters are
// compared in: bandwidth limits are configured in MB/s but counters arrive
// in bytes/s.
func EffectiveLimit(cat usage.Category, limit float64) float64 {
	if cat.IsBandwidth() {
		return limit * usage.MB
	}
	return limit
}

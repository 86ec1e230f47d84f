// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Package violations keeps per-epoch violation bookkeeping: de-duplication of
// repeat offenders within an epoch, resend of bandwidth violations whose
// over-limit ratio moved significantly, and formatting of the outbound
// policy lines.
//
// A Bookkeeper is confined to the single detector goroutine that owns it; no
// locking is done here.
package violations

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bloomberg/weir-qos/internal/polygen/usage"
)

const (
	// ResendRatioDelta re-arms a bandwidth violation already sent this epoch
	// when the newly observed ratio exceeds the sent one by more than this.
	ResendRatioDelta = 0.15

	usecsPerSec = 1_000_000
)

// group tracks one (endpoint, category) bucket. newKeys holds users whose
// violation has not been emitted yet this epoch; sentKeys those already
// emitted. ratios holds the last recorded diff ratio per user (bandwidth
// categories only care about it).
type group struct {
	newKeys  map[string]struct{}
	sentKeys map[string]struct{}
	ratios   map[string]float64
}

func newGroup() *group {
	return &group{
		newKeys:  make(map[string]struct{}),
		sentKeys: make(map[string]struct{}),
		ratios:   make(map[string]float64),
	}
}

func (g *group) addNew(user string, ratio float64, removeSent bool) {
	g.newKeys[user] = struct{}{}
	if ratio != 0 {
		g.ratios[user] = ratio
	}
	if removeSent {
		delete(g.sentKeys, user)
	}
}

// message renders the group's pending users as one policy line.
func (g *group) message(cat usage.Category, epochTime float64) string {
	users := make([]string, 0, len(g.newKeys))
	for u := range g.newKeys {
		users = append(users, u)
	}
	// User order within a message is unspecified; sorted for stable logs.
	sort.Strings(users)

	switch {
	case cat.IsReqsToggle():
		// Stateful toggles carry no timestamp.
		return fmt.Sprintf("%s,%s", cat, strings.Join(users, ","))
	case cat.IsBandwidth():
		parts := make([]string, len(users))
		for i, u := range users {
			parts[i] = u + ":" + strconv.FormatFloat(g.ratios[u], 'f', 1, 64)
		}
		return fmt.Sprintf("%d,%s,%s", int64(epochTime*usecsPerSec), cat, strings.Join(parts, ","))
	default:
		return fmt.Sprintf("%d,%s,%s", int64(epochTime*usecsPerSec), cat, strings.Join(users, ","))
	}
}

// Bookkeeper groups violations by (endpoint, category) within the current
// whole-second epoch. The first add belonging to a later epoch discards all
// state.
type Bookkeeper struct {
	epoch     int64
	endpoints map[string]map[usage.Category]*group
}

// NewBookkeeper returns an empty bookkeeper at epoch zero.
func NewBookkeeper() *Bookkeeper {
	return &Bookkeeper{endpoints: make(map[string]map[usage.Category]*group)}
}

// Epoch returns the whole-second epoch the bookkeeper currently tracks.
func (b *Bookkeeper) Epoch() int64 {
	return b.epoch
}

func (b *Bookkeeper) newEpoch(epochTime float64) {
	b.epoch = int64(epochTime)
	b.endpoints = make(map[string]map[usage.Category]*group)
}

// Add records one violation. diffRatio is meaningful for bandwidth
// categories (observed/limit, rounded to one decimal); pass 0 when absent.
//
// Within an epoch each (endpoint, category, user) is emitted at most once,
// except bandwidth violations whose ratio has grown by more than
// ResendRatioDelta since they were last sent, which are re-armed.
func (b *Bookkeeper) Add(epochTime float64, endpoint string, cat usage.Category, user string, diffRatio float64) {
	if int64(epochTime) > b.epoch {
		b.newEpoch(epochTime)
	}

	groups, ok := b.endpoints[endpoint]
	if !ok {
		groups = make(map[usage.Category]*group)
		b.endpoints[endpoint] = groups
	}
	g, ok := groups[cat]
	if !ok {
		g = newGroup()
		groups[cat] = g
	}

	if _, sent := g.sentKeys[user]; !sent {
		g.addNew(user, diffRatio, false)
		return
	}
	if cat.IsBandwidth() && diffRatio != 0 {
		if diffRatio-g.ratios[user] > ResendRatioDelta {
			g.addNew(user, diffRatio, true)
		}
	}
}

// Endpoints lists the endpoints with any bookkeeping this epoch.
func (b *Bookkeeper) Endpoints() []string {
	out := make([]string, 0, len(b.endpoints))
	for e := range b.endpoints {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Messages renders one policy line per non-empty (endpoint, category) group
// in category enumeration order, then moves the emitted users from newKeys
// to sentKeys.
func (b *Bookkeeper) Messages(endpoint string, epochTime float64) []string {
	groups, ok := b.endpoints[endpoint]
	if !ok {
		return nil
	}
	var msgs []string
	for _, cat := range usage.Categories() {
		g, ok := groups[cat]
		if !ok || len(g.newKeys) == 0 {
			continue
		}
		msgs = append(msgs, g.message(cat, epochTime))
		for u := range g.newKeys {
			g.sentKeys[u] = struct{}{}
		}
		g.newKeys = make(map[string]struct{})
	}
	return msgs
}

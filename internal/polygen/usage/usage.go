// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Package usage defines the grammar of the QoS counter keys published by the
// proxies into Redis, and the in-memory records produced by parsing them.
//
// Key shapes:
//
//	verb_<epoch>_user_<access>$<endpoint>                  per-second verb/bandwidth hash
//	conn_user_<access>$<endpoint>                          v1 aggregate connection count
//	conn_v2_user_<dir>_<instance>_<access>$<endpoint>      v2 per-direction, per-instance count
package usage

import (
	"fmt"
	"strconv"
	"strings"
)

// MB converts a bandwidth limit in megabytes/second to the bytes/second unit
// the proxies publish their counters in.
const MB = 1048576

// Direction is the transfer direction of a v2 connection counter.
type Direction int

const (
	Up Direction = iota
	Down
)

// ParseDirection maps the wire forms "up" and "dwn".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "up":
		return Up, nil
	case "dwn":
		return Down, nil
	default:
		return 0, fmt.Errorf("invalid connection direction: %q", s)
	}
}

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "dwn"
}

// Category is the aspect of usage being limited, e.g. "user_GET" or
// "user_bnd_dwn". The value doubles as the limit-lookup key and the category
// token on the wire.
type Category string

const (
	CatGET                  Category = "user_GET"
	CatPUT                  Category = "user_PUT"
	CatPOST                 Category = "user_POST"
	CatDELETE               Category = "user_DELETE"
	CatHEAD                 Category = "user_HEAD"
	CatLISTOBJECTSV2        Category = "user_LISTOBJECTSV2"
	CatLISTMULTIPARTUPLOADS Category = "user_LISTMULTIPARTUPLOADS"
	CatLISTOBJECTVERSIONS   Category = "user_LISTOBJECTVERSIONS"
	CatLISTBUCKETS          Category = "user_LISTBUCKETS"
	CatLISTOBJECTS          Category = "user_LISTOBJECTS"
	CatGETOBJECT            Category = "user_GETOBJECT"
	CatDELETEOBJECTS        Category = "user_DELETEOBJECTS"
	CatDELETEOBJECT         Category = "user_DELETEOBJECT"
	CatCREATEBUCKET         Category = "user_CREATEBUCKET"
	CatBndDown              Category = "user_bnd_dwn"
	CatBndUp                Category = "user_bnd_up"
	CatReqsBlock            Category = "user_reqs_block"
	CatReqsUnblock          Category = "user_reqs_unblock"

	// CatConns is the limit-lookup key for active connections. It never
	// appears in outbound messages; violations against it are emitted as
	// CatReqsBlock / CatReqsUnblock toggles.
	CatConns Category = "user_conns"
)

// Categories returns every message-bearing category in its fixed enumeration
// order. Message generation iterates this list so that output ordering is
// stable across runs.
func Categories() []Category {
	return []Category{
		CatGET, CatPUT, CatPOST, CatDELETE, CatHEAD,
		CatLISTOBJECTSV2, CatLISTMULTIPARTUPLOADS, CatLISTOBJECTVERSIONS,
		CatLISTBUCKETS, CatLISTOBJECTS, CatGETOBJECT,
		CatDELETEOBJECTS, CatDELETEOBJECT, CatCREATEBUCKET,
		CatBndDown, CatBndUp,
		CatReqsBlock, CatReqsUnblock,
	}
}

var categoryByField = func() map[string]Category {
	m := make(map[string]Category)
	for _, c := range Categories() {
		field := strings.TrimPrefix(string(c), "user_")
		m[strings.ToLower(field)] = c
	}
	return m
}()

// CategoryFromField resolves a counter hash field (e.g. "GET", "bnd_up") to
// its category. Unknown fields are rejected rather than guessed at.
func CategoryFromField(field string) (Category, bool) {
	c, ok := categoryByField[strings.ToLower(field)]
	return c, ok
}

// IsBandwidth reports whether the category is limited in MB/s while its
// counters arrive in bytes/s.
func (c Category) IsBandwidth() bool {
	return strings.Contains(string(c), "_bnd_")
}

// IsConns reports whether the category limits active connections.
func (c Category) IsConns() bool {
	return strings.Contains(string(c), "_conns")
}

// IsReqsToggle reports whether the category is a stateful block/unblock
// toggle, emitted without a timestamp.
func (c Category) IsReqsToggle() bool {
	return c == CatReqsBlock || c == CatReqsUnblock
}

func isAlnum(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// splitUserEndpoint splits the trailing "<access>$<endpoint>" component and
// validates the access key.
func splitUserEndpoint(key, component string) (user, endpoint string, err error) {
	parts := strings.Split(component, "$")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid user access key and endpoint pair %q for key %q", component, key)
	}
	if !isAlnum(parts[0]) {
		return "", "", fmt.Errorf("access key %q has invalid format for key %q", parts[0], key)
	}
	return parts[0], parts[1], nil
}

// VerbUsage is the transient record behind one verb/bandwidth counter key.
type VerbUsage struct {
	Key      string
	Epoch    int64
	User     string
	Endpoint string
}

// ParseVerbKey parses "verb_<epoch>_user_<access>$<endpoint>".
func ParseVerbKey(key string) (*VerbUsage, error) {
	items := strings.Split(key, "_")
	if len(items) != 4 || items[0] != "verb" || items[2] != "user" {
		return nil, fmt.Errorf("invalid verb key %q", key)
	}
	epoch, err := strconv.ParseInt(items[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid epoch in verb key %q: %w", key, err)
	}
	user, endpoint, err := splitUserEndpoint(key, items[3])
	if err != nil {
		return nil, err
	}
	return &VerbUsage{Key: key, Epoch: epoch, User: user, Endpoint: endpoint}, nil
}

// FormatKey reproduces the counter key this record was parsed from.
func (u *VerbUsage) FormatKey() string {
	return fmt.Sprintf("verb_%d_user_%s$%s", u.Epoch, u.User, u.Endpoint)
}

// ConnVersion distinguishes the two connection key formats. V2 is the live
// format; v1 remains parseable for compatibility.
type ConnVersion int

const (
	ConnV1 ConnVersion = 1
	ConnV2 ConnVersion = 2
)

// ConnUsage is the record behind one connection counter key. Direction and
// InstanceID are only meaningful for v2 keys. Count is filled in after the
// counter value has been fetched.
type ConnUsage struct {
	Key      string
	Epoch    int64
	User     string
	Endpoint string
	Version  ConnVersion
	Dir      Direction
	Instance string
	Count    int64
}

// ParseConnKey parses a v1 or v2 connection key. Connection keys carry no
// epoch of their own, so the caller supplies the current one.
func ParseConnKey(key string, epoch int64) (*ConnUsage, error) {
	items := strings.Split(key, "_")
	if len(items) < 2 || items[0] != "conn" {
		return nil, fmt.Errorf("invalid active-requests key %q", key)
	}

	u := &ConnUsage{Key: key, Epoch: epoch}
	var component string
	switch items[1] {
	case "user":
		if len(items) != 3 {
			return nil, fmt.Errorf("invalid v1 active-requests key %q", key)
		}
		u.Version = ConnV1
		component = items[2]
	case "v2":
		if len(items) != 6 || items[2] != "user" {
			return nil, fmt.Errorf("invalid v2 active-requests key %q", key)
		}
		dir, err := ParseDirection(items[3])
		if err != nil {
			return nil, fmt.Errorf("invalid v2 active-requests key %q: %w", key, err)
		}
		u.Version = ConnV2
		u.Dir = dir
		u.Instance = items[4]
		component = items[5]
	default:
		return nil, fmt.Errorf("invalid active-requests key %q: unrecognised version", key)
	}

	user, endpoint, err := splitUserEndpoint(key, component)
	if err != nil {
		return nil, err
	}
	u.User = user
	u.Endpoint = endpoint
	return u, nil
}

// FormatKey reproduces the counter key this record was parsed from.
func (u *ConnUsage) FormatKey() string {
	if u.Version == ConnV2 {
		return fmt.Sprintf("conn_v2_user_%s_%s_%s$%s", u.Dir, u.Instance, u.User, u.Endpoint)
	}
	return fmt.Sprintf("conn_user_%s$%s", u.User, u.Endpoint)
}

// MergeConn collapses connection records sharing (user, endpoint, epoch) by
// summing their counts, preserving first-seen order. This folds v2
// per-direction, per-instance counters into one per-user total so that
// block/unblock decisions are made against the whole user, never per
// direction.
func MergeConn(records []*ConnUsage) []*ConnUsage {
	type id struct {
		user     string
		endpoint string
		epoch    int64
	}
	merged := make(map[id]*ConnUsage, len(records))
	var order []*ConnUsage
	for _, r := range records {
		k := id{r.User, r.Endpoint, r.Epoch}
		if existing, ok := merged[k]; ok {
			existing.Count += r.Count
			continue
		}
		merged[k] = r
		order = append(order, r)
	}
	return order
}

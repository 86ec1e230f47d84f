// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

package violations

import (
	"reflect"
	"testing"

	"github.com/bloomberg/weir-qos/internal/polygen/usage"
)

const ep = "dev.storage.dc1"

func TestVerbMessageFormat(t *testing.T) {
	b := NewBookkeeper()
	b.Add(1599322430.25, ep, usage.CatGET, "KEY1", 0)

	msgs := b.Messages(ep, 1599322430.25)
	want := []string{"1599322430250000,user_GET,KEY1"}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("Messages = %v, want %v", msgs, want)
	}
}

func TestToggleMessageCarriesNoTimestamp(t *testing.T) {
	b := NewBookkeeper()
	b.Add(100.5, ep, usage.CatReqsBlock, "KEY1", 0)

	msgs := b.Messages(ep, 100.5)
	want := []string{"user_reqs_block,KEY1"}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("Messages = %v, want %v", msgs, want)
	}
}

func TestBandwidthMessageRatioHasOneDecimal(t *testing.T) {
	b := NewBookkeeper()
	b.Add(100.0, ep, usage.CatBndDown, "KEY1", 2.0)
	b.Add(100.0, ep, usage.CatBndDown, "KEY2", 1.3)

	msgs := b.Messages(ep, 100.0)
	want := []string{"100000000,user_bnd_dwn,KEY1:2.0,KEY2:1.3"}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("Messages = %v, want %v", msgs, want)
	}
}

func TestUsersWithinMessageAreSorted(t *testing.T) {
	b := NewBookkeeper()
	b.Add(100.0, ep, usage.CatGET, "ZZZ", 0)
	b.Add(100.0, ep, usage.CatGET, "AAA", 0)
	b.Add(100.0, ep, usage.CatGET, "MMM", 0)

	msgs := b.Messages(ep, 100.0)
	want := []string{"100000000,user_GET,AAA,MMM,ZZZ"}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("Messages = %v, want %v", msgs, want)
	}
}

func TestMessagesFollowCategoryOrder(t *testing.T) {
	b := NewBookkeeper()
	b.Add(100.0, ep, usage.CatBndUp, "KEY1", 1.5)
	b.Add(100.0, ep, usage.CatGET, "KEY1", 0)
	b.Add(100.0, ep, usage.CatPUT, "KEY1", 0)

	msgs := b.Messages(ep, 100.0)
	want := []string{
		"100000000,user_GET,KEY1",
		"100000000,user_PUT,KEY1",
		"100000000,user_bnd_up,KEY1:1.5",
	}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("Messages = %v, want %v", msgs, want)
	}
}

func TestRepeatOffenderSuppressedWithinEpoch(t *testing.T) {
	b := NewBookkeeper()
	b.Add(100.0, ep, usage.CatGET, "KEY1", 0)
	if msgs := b.Messages(ep, 100.0); len(msgs) != 1 {
		t.Fatalf("first add produced %d messages, want 1", len(msgs))
	}

	b.Add(100.3, ep, usage.CatGET, "KEY1", 0)
	if msgs := b.Messages(ep, 100.3); len(msgs) != 0 {
		t.Errorf("repeat within epoch produced %v", msgs)
	}
}

func TestNewEpochResetsState(t *testing.T) {
	b := NewBookkeeper()
	b.Add(100.0, ep, usage.CatGET, "KEY1", 0)
	b.Messages(ep, 100.0)

	b.Add(101.0, ep, usage.CatGET, "KEY1", 0)
	if b.Epoch() != 101 {
		t.Errorf("Epoch = %d, want 101", b.Epoch())
	}
	msgs := b.Messages(ep, 101.0)
	want := []string{"101000000,user_GET,KEY1"}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("Messages after epoch roll = %v, want %v", msgs, want)
	}
}

func TestBandwidthResendOnGrowingRatio(t *testing.T) {
	b := NewBookkeeper()
	b.Add(100.0, ep, usage.CatBndDown, "KEY1", 1.2)
	if msgs := b.Messages(ep, 100.0); !reflect.DeepEqual(msgs, []string{"100000000,user_bnd_dwn,KEY1:1.2"}) {
		t.Fatalf("first add: %v", msgs)
	}

	// Growth above the resend threshold re-arms the violation.
	b.Add(100.2, ep, usage.CatBndDown, "KEY1", 1.4)
	if msgs := b.Messages(ep, 100.2); !reflect.DeepEqual(msgs, []string{"100200000,user_bnd_dwn,KEY1:1.4"}) {
		t.Fatalf("resend after growth: %v", msgs)
	}

	// Growth within the threshold stays suppressed.
	b.Add(100.4, ep, usage.CatBndDown, "KEY1", 1.5)
	if msgs := b.Messages(ep, 100.4); len(msgs) != 0 {
		t.Errorf("small growth resent: %v", msgs)
	}

	// A shrinking ratio never resends.
	b.Add(100.6, ep, usage.CatBndDown, "KEY1", 1.1)
	if msgs := b.Messages(ep, 100.6); len(msgs) != 0 {
		t.Errorf("shrinking ratio resent: %v", msgs)
	}
}

func TestPendingUsersAccumulateUntilRendered(t *testing.T) {
	b := NewBookkeeper()
	b.Add(100.0, ep, usage.CatGET, "KEY1", 0)
	b.Add(100.0, ep, usage.CatGET, "KEY1", 0) // duplicate before render
	b.Add(100.0, ep, usage.CatGET, "KEY2", 0)

	msgs := b.Messages(ep, 100.0)
	want := []string{"100000000,user_GET,KEY1,KEY2"}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("Messages = %v, want %v", msgs, want)
	}
}

func TestEndpointsAreIndependent(t *testing.T) {
	b := NewBookkeeper()
	b.Add(100.0, "ep1", usage.CatGET, "KEY1", 0)
	b.Add(100.0, "ep2", usage.CatGET, "KEY1", 0)

	if got := b.Endpoints(); !reflect.DeepEqual(got, []string{"ep1", "ep2"}) {
		t.Fatalf("Endpoints = %v", got)
	}
	if msgs := b.Messages("ep1", 100.0); len(msgs) != 1 {
		t.Errorf("ep1 messages = %v", msgs)
	}
	// Draining ep1 must not touch ep2.
	if msgs := b.Messages("ep2", 100.0); len(msgs) != 1 {
		t.Errorf("ep2 messages = %v", msgs)
	}
	if msgs := b.Messages("unknown", 100.0); msgs != nil {
		t.Errorf("unknown endpoint produced %v", msgs)
	}
}

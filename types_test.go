package relay

import (
	"testing"
	"time"
)

func TestTierString(t *testing.T) {
	cases := map[Tier]string{
		TierLocalFree:  "local_free",
		TierCloudCheap: "cloud_cheap",
		TierVision:     "vision",
		TierPremium:    "premium",
		TierBatch:      "batch",
		Tier(42):       "unknown",
	}
	for tier, want := range cases {
		if got := tier.String(); got != want {
			t.Errorf("Tier(%d).String() = %q, want %q", tier, got, want)
		}
	}

	if ValidTier(Tier(-1)) || ValidTier(Tier(5)) {
		t.Fatal("out-of-range tier reported valid")
	}
	if !ValidTier(TierLocalFree) || !ValidTier(TierBatch) {
		t.Fatal("boundary tier reported invalid")
	}
}

func TestPeriodTTL(t *testing.T) {
	cases := map[Period]time.Duration{
		PeriodDaily:   24 * time.Hour,
		PeriodWeekly:  7 * 24 * time.Hour,
		PeriodMonthly: 30 * 24 * time.Hour,
	}
	for p, want := range cases {
		got, err := p.TTL()
		if err != nil || got != want {
			t.Errorf("%s TTL = (%s, %v), want %s", p, got, err, want)
		}
	}
	if _, err := Period("hourly").TTL(); err == nil {
		t.Fatal("unknown period accepted")
	}
}

func TestMessageBroadcast(t *testing.T) {
	if !NewMessage(KindSystemEvent, "a", "", nil).Broadcast() {
		t.Fatal("empty recipient not treated as broadcast")
	}
	if NewMessage(KindSystemEvent, "a", "b", nil).Broadcast() {
		t.Fatal("addressed message treated as broadcast")
	}
}

func TestNewMessagePopulatesEnvelope(t *testing.T) {
	m := NewMessage(KindTaskResult, "worker", "boss", "done")
	if m.ID == "" {
		t.Fatal("no id assigned")
	}
	if m.Timestamp.IsZero() {
		t.Fatal("no timestamp assigned")
	}
	if m.Kind != KindTaskResult || m.Sender != "worker" || m.Recipient != "boss" || m.Content != "done" {
		t.Fatalf("envelope = %+v", m)
	}

	other := NewMessage(KindTaskResult, "worker", "boss", "done")
	if other.ID == m.ID {
		t.Fatal("ids collide")
	}
}

package relay

import (
	"sync"
	"testing"
)

func TestBus_DirectDelivery(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	var got []Message
	b.Subscribe("worker", func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	b.Publish(NewMessage(KindTaskAssignment, "boss", "worker", "do it"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(got))
	}
	if got[0].Content != "do it" {
		t.Fatalf("content = %v", got[0].Content)
	}
}

func TestBus_BroadcastSkipsSender(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	counts := map[string]int{}
	for _, id := range []string{"a", "b", "c"} {
		id := id
		b.Subscribe(id, func(Message) {
			mu.Lock()
			counts[id]++
			mu.Unlock()
		})
	}

	b.Publish(NewMessage(KindSystemEvent, "a", "", "ping"))

	mu.Lock()
	defer mu.Unlock()
	if counts["a"] != 0 {
		t.Fatal("sender received its own broadcast")
	}
	if counts["b"] != 1 || counts["c"] != 1 {
		t.Fatalf("delivery counts = %v", counts)
	}
}

func TestBus_KindFilter(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	var kinds []MessageKind
	b.Subscribe("listener", func(m Message) {
		mu.Lock()
		kinds = append(kinds, m.Kind)
		mu.Unlock()
	}, KindTaskResult)

	b.Publish(NewMessage(KindTaskAssignment, "x", "listener", nil))
	b.Publish(NewMessage(KindTaskResult, "x", "listener", nil))

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 1 || kinds[0] != KindTaskResult {
		t.Fatalf("received kinds = %v, want only task_result", kinds)
	}
}

func TestBus_NoRecipientIsSilentDrop(t *testing.T) {
	b := NewBus()
	b.Publish(NewMessage(KindTaskAssignment, "x", "ghost", nil))
	if b.HistorySize() != 1 {
		t.Fatal("undeliverable message missing from history")
	}
}

func TestBus_HistoryNewestFirstAndBounded(t *testing.T) {
	b := NewBus(WithHistoryCap(5))
	for i := 0; i < 8; i++ {
		b.Publish(NewMessage(KindSystemEvent, "s", "", i))
	}

	if b.HistorySize() != 5 {
		t.Fatalf("history size = %d, want 5", b.HistorySize())
	}
	hist := b.History(2, "", "")
	if len(hist) != 2 {
		t.Fatalf("History(2) returned %d", len(hist))
	}
	if hist[0].Content != 7 || hist[1].Content != 6 {
		t.Fatalf("history order = %v, %v; want newest first", hist[0].Content, hist[1].Content)
	}
}

func TestBus_HistoryFilters(t *testing.T) {
	b := NewBus()
	b.Publish(NewMessage(KindTaskResult, "alice", "", "r1"))
	b.Publish(NewMessage(KindSystemEvent, "bob", "", "e1"))
	b.Publish(NewMessage(KindTaskResult, "bob", "", "r2"))

	results := b.History(10, KindTaskResult, "")
	if len(results) != 2 {
		t.Fatalf("kind filter returned %d, want 2", len(results))
	}
	fromBob := b.History(10, "", "bob")
	if len(fromBob) != 2 {
		t.Fatalf("sender filter returned %d, want 2", len(fromBob))
	}
	both := b.History(10, KindTaskResult, "bob")
	if len(both) != 1 || both[0].Content != "r2" {
		t.Fatalf("combined filter = %v", both)
	}
}

func TestBus_PanickingSubscriberDoesNotAffectPeers(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	delivered := false
	b.Subscribe("bad", func(Message) { panic("broken subscriber") })
	b.Subscribe("good", func(Message) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})

	b.Publish(NewMessage(KindSystemEvent, "s", "", nil))

	mu.Lock()
	defer mu.Unlock()
	if !delivered {
		t.Fatal("peer delivery lost to a panicking subscriber")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	count := 0
	b.Subscribe("w", func(Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish(NewMessage(KindSystemEvent, "s", "w", nil))
	b.Unsubscribe("w")
	b.Publish(NewMessage(KindSystemEvent, "s", "w", nil))

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("delivered %d, want 1", count)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}

func TestBus_Stats(t *testing.T) {
	b := NewBus()
	b.Publish(NewMessage(KindTaskResult, "a", "", nil))
	b.Publish(NewMessage(KindTaskResult, "a", "", nil))
	b.Publish(NewMessage(KindError, "a", "", nil))

	total, byKind := b.Stats()
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if byKind[KindTaskResult] != 2 || byKind[KindError] != 1 {
		t.Fatalf("byKind = %v", byKind)
	}
}

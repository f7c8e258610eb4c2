package attention

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/transport"
)

func TestHoldRefusesDigestOutput(t *testing.T) {
	h := newRouterHarness(t, nil)
	err := h.batches.Hold(context.Background(), transport.OutboundMessage{
		Owner:      "karl",
		SignalRef:  "digest:9",
		SignalType: "digest.summary",
		Timestamp:  h.clk.Now(),
	})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("error = %v, want conflict", err)
	}
}

func TestMaterializeDeliversDigest(t *testing.T) {
	h := newRouterHarness(t, nil)
	ctx := context.Background()
	now := h.clk.Now()

	for i := 0; i < 2; i++ {
		env := testEnvelope(fmt.Sprintf("sig:hold-%d", i), 0.2, now)
		if err := h.batches.HoldEnvelope(env, CategoryBatched); err != nil {
			t.Fatalf("HoldEnvelope error: %v", err)
		}
	}

	batcher := NewBatcher(h.batches, h.router, h.clk, nil)
	created, err := batcher.Materialize(ctx, "karl")
	if err != nil {
		t.Fatalf("Materialize error: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("batches = %d, want 1", len(created))
	}
	if created[0].ItemCount != 2 {
		t.Errorf("item_count = %d, want 2", created[0].ItemCount)
	}

	// The digest leaves through the router on the hinted web channel.
	if len(h.web.messages) != 1 {
		t.Fatalf("web deliveries = %d, want 1", len(h.web.messages))
	}
	msg := h.web.messages[0]
	if msg.SignalType != "digest.summary" {
		t.Errorf("signal_type = %q, want digest.summary", msg.SignalType)
	}
	if !strings.Contains(msg.Body, "2 held signal(s)") {
		t.Errorf("digest body = %q, want the held-signal count", msg.Body)
	}

	got, err := h.batches.GetBatch(created[0].ID)
	if err != nil {
		t.Fatalf("GetBatch error: %v", err)
	}
	if got.DeliveredAt == nil {
		t.Error("delivered batch is missing delivered_at")
	}

	groups, err := h.batches.PendingGroups("karl")
	if err != nil {
		t.Fatalf("PendingGroups error: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("pending groups after materialize = %+v, want none", groups)
	}
}

func TestPendingGroupsLargestFirst(t *testing.T) {
	h := newRouterHarness(t, nil)
	now := h.clk.Now()

	for i := 0; i < 3; i++ {
		env := testEnvelope(fmt.Sprintf("sig:a-%d", i), 0.2, now)
		env.SignalType = "task.reminder"
		if err := h.batches.HoldEnvelope(env, CategoryBatched); err != nil {
			t.Fatalf("HoldEnvelope error: %v", err)
		}
	}
	env := testEnvelope("sig:b-0", 0.2, now)
	env.SignalType = "news.update"
	if err := h.batches.HoldEnvelope(env, CategoryBatched); err != nil {
		t.Fatalf("HoldEnvelope error: %v", err)
	}

	groups, err := h.batches.PendingGroups("")
	if err != nil {
		t.Fatalf("PendingGroups error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("group count = %d, want 2", len(groups))
	}
	if groups[0].Topic != "task.reminder" || groups[0].Rank != 3 {
		t.Errorf("first group = %+v, want task.reminder with rank 3", groups[0])
	}
}

func TestSummarizeCapsItems(t *testing.T) {
	items := make([]BatchItem, 12)
	for i := range items {
		items[i] = BatchItem{
			Topic:     "task.reminder",
			Category:  CategoryBatched,
			Subject:   fmt.Sprintf("item %d", i),
			SignalRef: fmt.Sprintf("sig:%d", i),
			CreatedAt: time.Now(),
		}
	}
	got := summarize(items)
	if !strings.Contains(got, "and 2 more") {
		t.Errorf("summary = %q, want an overflow line", got)
	}
}

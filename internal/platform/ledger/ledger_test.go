package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

type backendFactory func(t *testing.T) *Ledger

func factories() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) *Ledger { return NewMemory() },
		"leveldb": func(t *testing.T) *Ledger {
			l, err := OpenLevelDB(t.TempDir())
			if err != nil {
				t.Fatalf("OpenLevelDB: %v", err)
			}
			t.Cleanup(func() { _ = l.Close() })
			return l
		},
	}
}

func TestLedger_AppendGetList(t *testing.T) {
	for name, newLedger := range factories() {
		t.Run(name, func(t *testing.T) {
			l := newLedger(t)
			ctx := context.Background()

			first, err := l.Append(ctx, EventMatchFound, map[string]string{"match_id": "m1"})
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			if first.Seq != 1 {
				t.Errorf("expected seq 1, got %d", first.Seq)
			}
			_, _ = l.Append(ctx, EventMatchAccepted, map[string]string{"match_id": "m1"})
			_, _ = l.Append(ctx, EventMatchFound, map[string]string{"match_id": "m2"})

			got, err := l.Get(ctx, first.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			var payload map[string]string
			if err := got.Decode(&payload); err != nil || payload["match_id"] != "m1" {
				t.Errorf("unexpected payload %v (err %v)", payload, err)
			}

			found, err := l.List(ctx, EventMatchFound, 0, 10)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(found) != 2 || found[0].Seq != 1 || found[1].Seq != 3 {
				t.Errorf("expected MatchFound at seq 1 and 3, got %+v", found)
			}
			after, _ := l.List(ctx, "", 1, 10)
			if len(after) != 2 {
				t.Errorf("expected 2 events after seq 1, got %d", len(after))
			}
			latest, _ := l.Latest()
			if latest != 3 {
				t.Errorf("expected latest 3, got %d", latest)
			}

			if _, err := l.Get(ctx, uuid.New()); !errors.Is(err, sentinel.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			if _, err := l.Append(ctx, "", nil); !errors.Is(err, sentinel.ErrValidation) {
				t.Errorf("expected ErrValidation for empty type, got %v", err)
			}
		})
	}
}

func TestLedger_SubscriptionDeliversInOrderAndFilters(t *testing.T) {
	for name, newLedger := range factories() {
		t.Run(name, func(t *testing.T) {
			l := newLedger(t)
			ctx := context.Background()

			var got []uint64
			l.Subscribe("accepts", func(_ context.Context, ev Event) error {
				got = append(got, ev.Seq)
				return nil
			}, EventMatchAcceptRequested)

			_, _ = l.Append(ctx, EventMatchAcceptRequested, ActionRequest{MatchID: uuid.New()})
			_, _ = l.Append(ctx, EventMatchFound, nil)
			_, _ = l.Append(ctx, EventMatchAcceptRequested, ActionRequest{MatchID: uuid.New()})

			if err := l.DeliverPending(ctx); err != nil {
				t.Fatalf("DeliverPending: %v", err)
			}
			if len(got) != 2 || got[0] != 1 || got[1] != 3 {
				t.Fatalf("expected seqs [1 3], got %v", got)
			}
			// Nothing is redelivered once acknowledged.
			_ = l.DeliverPending(ctx)
			if len(got) != 2 {
				t.Errorf("expected no redelivery, got %v", got)
			}
		})
	}
}

func TestLedger_FailedHandlerIsRetried(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	calls := 0
	l.Subscribe("flaky", func(context.Context, Event) error {
		calls++
		if calls == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	_, _ = l.Append(ctx, EventMatchRejectRequested, ActionRequest{MatchID: uuid.New()})

	_ = l.DeliverPending(ctx)
	_ = l.DeliverPending(ctx)
	if calls != 2 {
		t.Errorf("expected the event to be delivered twice, got %d", calls)
	}
	_ = l.DeliverPending(ctx)
	if calls != 2 {
		t.Errorf("expected no delivery after success, got %d", calls)
	}
}

func TestLedger_CursorSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := OpenLevelDB(dir)
	if err != nil {
		t.Fatalf("OpenLevelDB: %v", err)
	}
	count := 0
	l.Subscribe("s", func(context.Context, Event) error { count++; return nil })
	_, _ = l.Append(ctx, EventMatchFound, nil)
	_ = l.DeliverPending(ctx)
	_ = l.Close()

	l, err = OpenLevelDB(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	l.Subscribe("s", func(context.Context, Event) error { count++; return nil })
	_, _ = l.Append(ctx, EventMatchAccepted, nil)
	_ = l.DeliverPending(ctx)
	if count != 2 {
		t.Errorf("expected exactly one delivery per event across reopen, got %d", count)
	}
	latest, _ := l.Latest()
	if latest != 2 {
		t.Errorf("expected seq to continue at 2, got %d", latest)
	}
}

func TestLedger_RunWakesOnAppend(t *testing.T) {
	l := NewMemory(WithPollInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	l.Subscribe("run", func(context.Context, Event) error {
		wg.Done()
		return nil
	})
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	_, _ = l.Append(context.Background(), EventDeathVerified, nil)

	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not deliver the appended event")
	}
	cancel()
	<-done
}

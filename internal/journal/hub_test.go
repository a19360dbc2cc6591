package journal

import (
	"errors"
	"testing"
	"time"

	"github.com/broomva/aiOS/internal/model"
)

func collect(t *testing.T, sub *Subscription, n int) []model.EventRecord {
	t.Helper()
	var out []model.EventRecord
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case record, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d records (err=%v)", len(out), sub.Err())
			}
			out = append(out, record)
		case <-deadline:
			t.Fatalf("timed out after %d records", len(out))
		}
	}
	return out
}

func TestSubscribeBackfillsThenTails(t *testing.T) {
	j, session := newTestJournal(t)
	appendN(t, j, session, model.MainBranch, 10)

	sub, err := j.Subscribe(session, model.MainBranch, 3)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// Backfill: 4..10.
	records := collect(t, sub, 7)
	for i, record := range records {
		if record.Sequence != uint64(4+i) {
			t.Fatalf("backfill records[%d].Sequence = %d", i, record.Sequence)
		}
	}

	// Live tail continues gap-free.
	appendN(t, j, session, model.MainBranch, 3)
	live := collect(t, sub, 3)
	for i, record := range live {
		if record.Sequence != uint64(11+i) {
			t.Fatalf("live records[%d].Sequence = %d", i, record.Sequence)
		}
	}
}

func TestSubscribeDuringWritesSeesEverySequenceOnce(t *testing.T) {
	j, session := newTestJournal(t)
	appendN(t, j, session, model.MainBranch, 50)

	sub, err := j.Subscribe(session, model.MainBranch, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		appendN(t, j, session, model.MainBranch, 50)
	}()

	records := collect(t, sub, 100)
	<-done

	seen := make(map[uint64]bool, len(records))
	prev := uint64(0)
	for _, record := range records {
		if record.Sequence <= prev {
			t.Fatalf("non-monotonic sequence %d after %d", record.Sequence, prev)
		}
		if seen[record.Sequence] {
			t.Fatalf("duplicate sequence %d", record.Sequence)
		}
		seen[record.Sequence] = true
		prev = record.Sequence
	}
	for want := uint64(1); want <= 100; want++ {
		if !seen[want] {
			t.Fatalf("missing sequence %d", want)
		}
	}
}

func TestSlowSubscriberLags(t *testing.T) {
	j, session := newTestJournal(t)
	appendN(t, j, session, model.MainBranch, 1)

	sub, err := j.Subscribe(session, model.MainBranch, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// Never read from the stream; overflow the live buffer.
	appendN(t, j, session, model.MainBranch, DefaultSubscriberBuffer+10)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				if !errors.Is(sub.Err(), model.ErrLagged) {
					t.Fatalf("expected ErrLagged, got %v", sub.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription never failed with Lagged")
		}
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	j, session := newTestJournal(t)
	sub, err := j.Subscribe(session, model.MainBranch, 0)
	if err != nil {
		t.Fatal(err)
	}
	sub.Close()

	// Appends after close must not block or panic.
	appendN(t, j, session, model.MainBranch, 5)
	if sub.Err() != nil {
		t.Fatalf("clean close should leave nil error, got %v", sub.Err())
	}
}

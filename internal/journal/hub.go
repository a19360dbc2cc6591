package journal

import (
	"sync"
	"sync/atomic"

	"github.com/broomva/aiOS/internal/metrics"
	"github.com/broomva/aiOS/internal/model"
)

// DefaultSubscriberBuffer bounds how far a live subscriber may fall behind
// before the subscription fails with Lagged.
const DefaultSubscriberBuffer = 256

// Subscription is a gap-free, monotonic stream over one (session, branch):
// backfill of all persisted records past the cursor, then live tail. If the
// live buffer overflows the stream ends and Err returns ErrLagged; the
// client reconnects with its last seen cursor.
type Subscription struct {
	out  chan model.EventRecord
	live chan model.EventRecord

	lagged    atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	unregister func(*Subscription)
	err        atomic.Value
}

// Events is the record stream. It is closed on Close, on Lagged, or on a
// backfill read failure.
func (s *Subscription) Events() <-chan model.EventRecord {
	return s.out
}

// Err reports why the stream ended; nil after a clean Close.
func (s *Subscription) Err() error {
	if err, ok := s.err.Load().(error); ok {
		return err
	}
	return nil
}

// Close detaches the subscriber from the hub.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.unregister(s)
		close(s.done)
	})
}

func (s *Subscription) fail(err error) {
	s.err.Store(err)
	s.Close()
}

// publishLocked fans a freshly appended record out to subscribers. Called
// with the branch lock held so queue order always equals sequence order.
func (b *branchLog) publishLocked(record model.EventRecord) {
	for _, sub := range b.subscribers {
		if sub.closed.Load() || sub.lagged.Load() {
			continue
		}
		select {
		case sub.live <- record:
		default:
			sub.lagged.Store(true)
			metrics.SubscribersLagged.Inc()
		}
	}
}

func (b *branchLog) removeSubscriber(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.subscribers {
		if candidate == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Subscribe returns a stream of every record with sequence > fromCursor.
// The head snapshot and hub registration happen under the writer lock, so
// the backfill/live transition cannot drop or duplicate a sequence.
func (j *Journal) Subscribe(session model.SessionID, branch model.BranchID, fromCursor uint64) (*Subscription, error) {
	slog, err := j.session(session)
	if err != nil {
		return nil, err
	}
	b, err := slog.branch(branch)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		out:  make(chan model.EventRecord),
		live: make(chan model.EventRecord, DefaultSubscriberBuffer),
		done: make(chan struct{}),
	}
	sub.unregister = func(s *Subscription) { b.removeSubscriber(s) }

	b.mu.Lock()
	head := b.head
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	go j.pump(sub, session, branch, fromCursor, head)
	return sub, nil
}

// pump drains the persisted range (cursor, head] from storage, then follows
// the live queue.
func (j *Journal) pump(sub *Subscription, session model.SessionID, branch model.BranchID, cursor, head uint64) {
	defer close(sub.out)

	const batch = 256
	next := cursor + 1
	for next <= head {
		records, err := j.Read(session, branch, next, batch)
		if err != nil {
			sub.fail(err)
			return
		}
		if len(records) == 0 {
			break
		}
		for _, record := range records {
			if record.Sequence > head {
				break
			}
			select {
			case sub.out <- record:
			case <-sub.done:
				return
			}
			next = record.Sequence + 1
		}
	}

	// Live tail. Records appended during backfill were buffering in the
	// live queue; everything in it has sequence > head. The cursor guard
	// also covers subscribers that joined with a cursor past the head.
	forward := func(record model.EventRecord) bool {
		if record.Sequence <= cursor {
			return true
		}
		select {
		case sub.out <- record:
			return true
		case <-sub.done:
			return false
		}
	}
	for {
		select {
		case record := <-sub.live:
			if !forward(record) {
				return
			}
		case <-sub.done:
			return
		default:
			if sub.lagged.Load() && len(sub.live) == 0 {
				sub.fail(model.ErrLagged)
				return
			}
			select {
			case record := <-sub.live:
				if !forward(record) {
					return
				}
			case <-sub.done:
				return
			}
		}
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/facecam/internal/ledger"
)

const (
	journalQueueSize = 64
	journalTimeout   = 5 * time.Second
)

// ErrJournalFull is reported when saves arrive faster than the database takes them.
var ErrJournalFull = errors.New("capture journal queue full")

// Journal writes saves to the store from a single goroutine. Observe never
// blocks the session that won the save round.
type Journal struct {
	record func(context.Context, ledger.Record) error
	onErr  func(error)
	queue  chan ledger.Record
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewJournal starts the writer. Pending saves are still written after ctx is
// cancelled, each bounded by its own timeout, until Close returns.
func (s *Store) NewJournal(ctx context.Context, onErr func(error)) *Journal {
	return newJournal(ctx, s.RecordCapture, journalQueueSize, onErr)
}

func newJournal(ctx context.Context, record func(context.Context, ledger.Record) error, size int, onErr func(error)) *Journal {
	j := &Journal{
		record: record,
		onErr:  onErr,
		queue:  make(chan ledger.Record, size),
		done:   make(chan struct{}),
	}
	go j.run(context.WithoutCancel(ctx))
	return j
}

func (j *Journal) run(ctx context.Context) {
	defer close(j.done)
	for r := range j.queue {
		wctx, cancel := context.WithTimeout(ctx, journalTimeout)
		err := j.record(wctx, r)
		cancel()
		if err != nil {
			j.report(fmt.Errorf("failed to journal face %d: %w", r.Index, err))
		}
	}
}

// Observe queues r. It is a ledger.Observer.
func (j *Journal) Observe(r ledger.Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- r:
	default:
		j.report(fmt.Errorf("face %d dropped: %w", r.Index, ErrJournalFull))
	}
}

// Close stops accepting saves and waits for the queued ones to be written.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	<-j.done
}

func (j *Journal) report(err error) {
	if j.onErr != nil {
		j.onErr(err)
	}
}

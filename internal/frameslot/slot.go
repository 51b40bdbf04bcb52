// Package frameslot holds the most recent camera frame and wakes every
// waiting consumer when a new one arrives.
//
// There is no queue. A consumer that is busy while several frames are
// published only ever sees the newest one when it next waits.
package frameslot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andresmejia3/facecam/internal/types"
)

// ErrClosed is returned by Await once the slot has been closed.
var ErrClosed = errors.New("frame slot closed")

// Slot is a single-value broadcast cell guarded by one mutex/cond pair.
type Slot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	latest *types.Frame
	seq    uint64
	closed bool
}

// New returns an empty slot.
func New() *Slot {
	s := &Slot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish copies data into the slot, replacing whatever was held, and wakes all waiters.
// It never blocks on consumers.
func (s *Slot) Publish(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	s.latest = &types.Frame{Seq: s.seq, Data: buf, At: time.Now()}
	s.cond.Broadcast()
}

// Await blocks until a frame is published after the call began, then returns it.
// The returned frame is shared with other consumers and must not be modified.
func (s *Slot) Await(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitLocked(ctx, s.seq)
}

// AwaitAfter blocks until a frame newer than seq is available. A frame already
// newer than seq is returned immediately.
func (s *Slot) AwaitAfter(ctx context.Context, seq uint64) (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitLocked(ctx, seq)
}

func (s *Slot) awaitLocked(ctx context.Context, after uint64) (*types.Frame, error) {
	// sync.Cond has no select; wake everyone on cancel and let them re-check.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for s.seq <= after && !s.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cond.Wait()
	}
	if s.closed {
		return nil, ErrClosed
	}
	return s.latest, nil
}

// Seq returns the sequence number of the last published frame (0 if none).
func (s *Slot) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close wakes every waiter with ErrClosed. Later publishes are dropped.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Package ledger tracks saved face crops: the next file index, the global
// save cooldown, and the ceiling after which saving stops.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Options configures a Ledger.
type Options struct {
	Dir      string
	MaxIndex int           // highest index that may be written
	Cooldown time.Duration // minimum time between two saving rounds
	Now      func() time.Time
}

// Record describes one persisted face crop.
type Record struct {
	Index      int       `json:"index"`
	Path       string    `json:"path"`
	BlurScore  float64   `json:"blur_score"`
	Recognized *bool     `json:"recognized,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}

// Candidate is a face crop offered for saving. Write must create the file at path.
type Candidate struct {
	BlurScore  float64
	Recognized *bool
	Write      func(path string) error
}

// Observer is notified after each successful save, outside the ledger lock.
type Observer func(Record)

var filePattern = regexp.MustCompile(`^face_(\d+)\.png$`)

// FileName returns the on-disk name for a save index.
func FileName(index int) string {
	return fmt.Sprintf("face_%03d.png", index)
}

// Ledger is the single owner of the save index and the cooldown timestamp.
type Ledger struct {
	mu        sync.Mutex
	dir       string
	next      int
	maxIndex  int
	cooldown  time.Duration
	lastSave  time.Time
	now       func() time.Time
	observers []Observer
}

// Recover scans opts.Dir for existing crops and resumes one past the highest index.
// The directory is created if missing; an unreadable directory is an error.
func Recover(opts Options) (*Ledger, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create faces directory: %w", err)
	}
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read faces directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := &Ledger{
		dir:      opts.Dir,
		next:     NextIndex(names),
		maxIndex: opts.MaxIndex,
		cooldown: opts.Cooldown,
		now:      now,
	}
	logrus.WithFields(logrus.Fields{"dir": opts.Dir, "next": l.next}).Info("face ledger recovered")
	return l, nil
}

// ParseFileName extracts the save index from a crop file name.
func ParseFileName(name string) (int, bool) {
	m := filePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// NextIndex returns one past the highest index embedded in names, or 0.
// Names that do not match the crop pattern are ignored; gaps are fine.
func NextIndex(names []string) int {
	next := 0
	for _, name := range names {
		if n, ok := ParseFileName(name); ok && n+1 > next {
			next = n + 1
		}
	}
	return next
}

// Subscribe registers an observer for save events.
func (l *Ledger) Subscribe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Next returns the index the next save will use.
func (l *Ledger) Next() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Dir returns the directory crops are written to.
func (l *Ledger) Dir() string {
	return l.dir
}

// Open reports whether a save round could currently run. It is advisory:
// callers use it to skip blur scoring, and Commit re-checks under the lock.
func (l *Ledger) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openLocked()
}

func (l *Ledger) openLocked() bool {
	if l.next > l.maxIndex {
		return false
	}
	return l.lastSave.IsZero() || l.now().Sub(l.lastSave) >= l.cooldown
}

// Commit runs one save round. If the cooldown has elapsed and the ceiling is
// not reached, every candidate scoring at or above threshold is written under
// the next index. Rounds that are not allowed are silently skipped.
func (l *Ledger) Commit(threshold float64, candidates []Candidate) ([]Record, error) {
	l.mu.Lock()
	if !l.openLocked() {
		l.mu.Unlock()
		return nil, nil
	}

	var saved []Record
	var err error
	for _, c := range candidates {
		if l.next > l.maxIndex {
			break
		}
		if c.BlurScore < threshold {
			continue
		}
		path := filepath.Join(l.dir, FileName(l.next))
		if err = c.Write(path); err != nil {
			err = fmt.Errorf("failed to write face %d: %w", l.next, err)
			break
		}
		at := l.now()
		saved = append(saved, Record{
			Index:      l.next,
			Path:       path,
			BlurScore:  c.BlurScore,
			Recognized: c.Recognized,
			SavedAt:    at,
		})
		l.lastSave = at
		l.next++
	}
	observers := l.observers
	l.mu.Unlock()

	for _, r := range saved {
		logrus.WithFields(logrus.Fields{"index": r.Index, "blur": r.BlurScore}).Info("saved face")
		for _, o := range observers {
			o(r)
		}
	}
	return saved, err
}

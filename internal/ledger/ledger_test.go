package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("png"), 0644)
}

func sharp() Candidate {
	return Candidate{BlurScore: 500, Write: writeFile}
}

func newLedger(t *testing.T, maxIndex int) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, err := Recover(Options{Dir: t.TempDir(), MaxIndex: maxIndex, Cooldown: 3 * time.Second, Now: clock.Now})
	require.NoError(t, err)
	return l, clock
}

func TestNextIndex(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  int
	}{
		{"Empty directory", nil, 0},
		{"Gaps are tolerated", []string{"face_002.png", "face_005.png", "face_009.png"}, 10},
		{"Unrelated files ignored", []string{"notes.txt", "face_abc.png", "face_001.jpg", "face_003.png"}, 4},
		{"Wide indices", []string{"face_1200.png"}, 1201},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextIndex(tt.files))
		})
	}
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name  string
		index int
		ok    bool
	}{
		{"face_000.png", 0, true},
		{"face_042.png", 42, true},
		{"face_1000.png", 1000, true},
		{"face_42.jpg", 0, false},
		{"notes.txt", 0, false},
		{"face_.png", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, ok := ParseFileName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.index, index)
		})
	}
	assert.Equal(t, "face_007.png", FileName(7))
}

func TestRecoverFromDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"face_002.png", "face_005.png", "face_009.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "face_050.png"), 0755))

	l, err := Recover(Options{Dir: dir, MaxIndex: 999, Cooldown: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 10, l.Next())
}

func TestRecoverCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "faces")
	l, err := Recover(Options{Dir: dir, MaxIndex: 999})
	require.NoError(t, err)
	assert.Equal(t, 0, l.Next())
	assert.DirExists(t, dir)
}

func TestRecoverFailsOnUnreadablePath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	_, err := Recover(Options{Dir: file, MaxIndex: 999})
	assert.Error(t, err)
}

func TestCommitWritesSharpFacesOnly(t *testing.T) {
	l, _ := newLedger(t, 999)

	saved, err := l.Commit(250, []Candidate{
		{BlurScore: 100, Write: writeFile},
		{BlurScore: 250, Write: writeFile},
		{BlurScore: 400, Write: writeFile},
	})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, 0, saved[0].Index)
	assert.Equal(t, 1, saved[1].Index)
	assert.FileExists(t, filepath.Join(l.Dir(), "face_000.png"))
	assert.FileExists(t, filepath.Join(l.Dir(), "face_001.png"))
	assert.Equal(t, 2, l.Next())
}

func TestBlurryRoundLeavesGateOpen(t *testing.T) {
	l, _ := newLedger(t, 999)

	saved, err := l.Commit(250, []Candidate{{BlurScore: 10, Write: writeFile}})
	require.NoError(t, err)
	assert.Empty(t, saved)
	assert.True(t, l.Open())

	saved, _ = l.Commit(250, []Candidate{sharp()})
	assert.Len(t, saved, 1)
}

func TestCooldownBetweenRounds(t *testing.T) {
	l, clock := newLedger(t, 999)

	saved, _ := l.Commit(250, []Candidate{sharp()})
	require.Len(t, saved, 1)

	clock.Advance(2 * time.Second)
	assert.False(t, l.Open())
	saved, _ = l.Commit(250, []Candidate{sharp()})
	assert.Empty(t, saved)

	clock.Advance(time.Second)
	assert.True(t, l.Open())
	saved, _ = l.Commit(250, []Candidate{sharp()})
	require.Len(t, saved, 1)
	assert.Equal(t, 1, saved[0].Index)
}

func TestConcurrentRoundsOnlyOneWins(t *testing.T) {
	l, _ := newLedger(t, 999)

	const sessions = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			saved, err := l.Commit(250, []Candidate{sharp()})
			if err == nil && len(saved) > 0 {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, l.Next())
}

func TestCeilingStopsSaving(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(998)), nil, 0644))
	clock := &fakeClock{t: time.Now()}
	l, err := Recover(Options{Dir: dir, MaxIndex: 999, Cooldown: 3 * time.Second, Now: clock.Now})
	require.NoError(t, err)

	saved, err := l.Commit(250, []Candidate{sharp(), sharp()})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 999, saved[0].Index)

	clock.Advance(time.Minute)
	assert.False(t, l.Open())
	saved, err = l.Commit(250, []Candidate{sharp()})
	assert.NoError(t, err)
	assert.Empty(t, saved)
	assert.Equal(t, 1000, l.Next())
	assert.NoFileExists(t, filepath.Join(dir, FileName(1000)))
}

func TestWriteFailureDoesNotAdvance(t *testing.T) {
	l, _ := newLedger(t, 999)

	saved, err := l.Commit(250, []Candidate{{BlurScore: 500, Write: func(string) error { return errors.New("disk full") }}})
	assert.Error(t, err)
	assert.Empty(t, saved)
	assert.Equal(t, 0, l.Next())
	assert.True(t, l.Open())
}

func TestObserversReceiveRecords(t *testing.T) {
	l, _ := newLedger(t, 999)
	var got []Record
	l.Subscribe(func(r Record) { got = append(got, r) })

	_, err := l.Commit(250, []Candidate{sharp()})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, filepath.Join(l.Dir(), "face_000.png"), got[0].Path)
}

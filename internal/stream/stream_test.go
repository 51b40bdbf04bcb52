package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/facecam/internal/frameslot"
	"github.com/andresmejia3/facecam/internal/ledger"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFrame = []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}

// publishLoop keeps feeding the slot until the test ends.
func publishLoop(t *testing.T, slot *frameslot.Slot, frame []byte) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				slot.Publish(frame)
			}
		}
	}()
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func noRedirectClient() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func TestRoutes(t *testing.T) {
	srv := httptest.NewServer(NewServer(":0", frameslot.New(), nil, nil).Handler())
	defer srv.Close()
	client := noRedirectClient()

	tests := []struct {
		name     string
		path     string
		status   int
		location string
		body     string
	}{
		{"Root redirects", "/", http.StatusMovedPermanently, "/index.html", ""},
		{"Landing page", "/index.html", http.StatusOK, "", `<img src="stream.mjpg" width="640" height="480"/>`},
		{"Unknown path", "/nope", http.StatusNotFound, "", ""},
		{"Nested unknown path", "/index.html/x", http.StatusNotFound, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.location != "" {
				assert.Equal(t, tt.location, resp.Header.Get("Location"))
			}
			if tt.body != "" {
				body, _ := io.ReadAll(resp.Body)
				assert.Contains(t, string(body), tt.body)
				assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
			}
		})
	}
}

func TestStreamDeliversProcessedFrames(t *testing.T) {
	slot := frameslot.New()
	process := func(frame []byte) ([]byte, error) {
		return append([]byte("annotated:"), frame...), nil
	}
	srv := httptest.NewServer(NewServer(":0", slot, process, nil).Handler())
	defer srv.Close()
	publishLoop(t, slot, testFrame)

	resp, err := http.Get(srv.URL + "/stream.mjpg")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("Age"))
	assert.Equal(t, "no-cache, private", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no-cache", resp.Header.Get("Pragma"))
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)
	assert.Equal(t, "FRAME", params["boundary"])

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 3; i++ {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		assert.Equal(t, "16", part.Header.Get("Content-Length"))
		body, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, append([]byte("annotated:"), testFrame...), body)
	}
}

func TestHealth(t *testing.T) {
	slot := frameslot.New()
	slot.Publish(testFrame)
	slot.Publish(testFrame)
	srv := httptest.NewServer(NewServer(":0", slot, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, Health{Status: "ok", Frames: 2, Clients: 0}, h)
}

func TestWritePart(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePart(&buf, []byte{1, 2, 3}))
	assert.Equal(t, "--FRAME\r\nContent-Type: image/jpeg\r\nContent-Length: 3\r\n\r\n\x01\x02\x03\r\n", buf.String())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingWriter struct {
	writes atomic.Int32
}

func (f *failingWriter) Write(p []byte) (int, error) {
	f.writes.Add(1)
	return 0, errors.New("broken pipe")
}

func TestSessionEndsWhenClientGone(t *testing.T) {
	slot := frameslot.New()
	publishLoop(t, slot, testFrame)

	s := NewSession(slot, Passthrough, &failingWriter{}, testLog())
	err := s.Run(context.Background())

	assert.ErrorIs(t, err, ErrClientGone)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, uint64(0), s.Sent())
}

func TestSessionSurvivesProcessingErrors(t *testing.T) {
	slot := frameslot.New()
	publishLoop(t, slot, testFrame)

	var calls atomic.Int32
	process := func(frame []byte) ([]byte, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("frame could not be decoded")
		}
		return frame, nil
	}

	logger, hook := logtest.NewNullLogger()
	var buf syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	s := NewSession(slot, process, &buf, logrus.NewEntry(logger))
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Count(buf.String(), "--FRAME") >= 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.GreaterOrEqual(t, calls.Load(), int32(4))

	// Skipped frames show up at the default info level
	skipped := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "frame skipped" {
			assert.Equal(t, logrus.WarnLevel, e.Level)
			skipped++
		}
	}
	assert.Equal(t, 2, skipped)
}

func TestSessionRecoversPanic(t *testing.T) {
	slot := frameslot.New()
	publishLoop(t, slot, testFrame)

	s := NewSession(slot, func([]byte) ([]byte, error) { panic("boom") }, io.Discard, testLog())
	err := s.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionStopsWhenSlotCloses(t *testing.T) {
	slot := frameslot.New()
	s := NewSession(slot, Passthrough, io.Discard, testLog())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	slot.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, frameslot.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestIndependentSessions(t *testing.T) {
	slot := frameslot.New()
	publishLoop(t, slot, testFrame)

	// One client dies immediately; the other keeps streaming.
	dead := NewSession(slot, Passthrough, &failingWriter{}, testLog())
	var buf syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live := NewSession(slot, Passthrough, &buf, testLog())
	go live.Run(ctx)

	assert.ErrorIs(t, dead.Run(context.Background()), ErrClientGone)
	require.Eventually(t, func() bool {
		return strings.Count(buf.String(), "--FRAME") >= 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSharedPipeline(t *testing.T) {
	in, out := frameslot.New(), frameslot.New()
	var calls atomic.Int32
	process := func(frame []byte) ([]byte, error) {
		calls.Add(1)
		return append([]byte("x"), frame...), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunSharedPipeline(ctx, in, out, process) }()
	publishLoop(t, in, testFrame)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	f, err := out.Await(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("x"), testFrame...), f.Data)

	cancel()
	assert.NoError(t, <-done)

	// The output slot is closed so forwarding sessions end too.
	_, err = out.Await(context.Background())
	assert.ErrorIs(t, err, frameslot.ErrClosed)
}

func TestSharedPipelineSkipsFailedFrames(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(func() { logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks)) })

	in, out := frameslot.New(), frameslot.New()
	var calls atomic.Int32
	process := func(frame []byte) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("inference failed")
		}
		return frame, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunSharedPipeline(ctx, in, out, process) }()
	publishLoop(t, in, testFrame)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	_, err := out.Await(waitCtx)
	require.NoError(t, err)
	cancel()
	assert.NoError(t, <-done)

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "shared pipeline skipped frame" {
			found = true
			assert.Equal(t, logrus.WarnLevel, e.Level)
		}
	}
	assert.True(t, found, "expected the failed frame to be logged")
}

func TestEventHub(t *testing.T) {
	hub := NewEventHub()
	srv := httptest.NewServer(NewServer(":0", frameslot.New(), nil, hub).Handler())
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 5*time.Millisecond)

	known := true
	hub.Publish(ledger.Record{Index: 7, Path: "/faces/face_007.png", BlurScore: 312.5, Recognized: &known})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev CaptureEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "capture", ev.Type)
	assert.Equal(t, 7, ev.Index)
	assert.Equal(t, "/faces/face_007.png", ev.Path)
	require.NotNil(t, ev.Recognized)
	assert.True(t, *ev.Recognized)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 5*time.Second, 5*time.Millisecond)
}

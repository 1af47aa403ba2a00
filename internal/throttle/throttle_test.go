package throttle

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"aperture/internal/bucket"
)

// chunkWriter records the size of every write.
type chunkWriter struct {
	bytes.Buffer
	chunks []int
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.chunks = append(w.chunks, len(p))
	return w.Buffer.Write(p)
}

// scriptedLimiter refuses the first `refuse` removals.
type scriptedLimiter struct {
	burst    int
	refuse   int
	attempts []int
}

func (l *scriptedLimiter) MaxBurst() int { return l.burst }

func (l *scriptedLimiter) TryRemove(n int) bool {
	l.attempts = append(l.attempts, n)
	if l.refuse > 0 {
		l.refuse--
		return false
	}
	return true
}

func TestUnlimitedSendsInOneWrite(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 10000)
	var w chunkWriter
	flushes := 0
	n, err := Writer{Flush: func() { flushes++ }}.Send(context.Background(), &w, body, nil)
	if err != nil || n != len(body) {
		t.Fatalf("Send = %d, %v", n, err)
	}
	if len(w.chunks) != 1 || flushes != 1 {
		t.Errorf("chunks = %v flushes = %d", w.chunks, flushes)
	}
}

func TestChunksAreBoundedByBurst(t *testing.T) {
	body := bytes.Repeat([]byte("ab"), 1250)
	lim := &scriptedLimiter{burst: 1000}
	var w chunkWriter
	n, err := Writer{}.Send(context.Background(), &w, body, lim)
	if err != nil || n != len(body) {
		t.Fatalf("Send = %d, %v", n, err)
	}
	if want := []int{1000, 1000, 500}; !slices.Equal(w.chunks, want) {
		t.Errorf("chunks = %v, want %v", w.chunks, want)
	}
	if !bytes.Equal(w.Bytes(), body) {
		t.Error("body mismatch")
	}
}

func TestRefusedChunkIsRetried(t *testing.T) {
	body := make([]byte, 300)
	lim := &scriptedLimiter{burst: 200, refuse: 2}
	var w chunkWriter
	n, err := Writer{Retry: time.Millisecond}.Send(context.Background(), &w, body, lim)
	if err != nil || n != 300 {
		t.Fatalf("Send = %d, %v", n, err)
	}
	if want := []int{200, 200, 200, 100}; !slices.Equal(lim.attempts, want) {
		t.Errorf("attempts = %v, want %v", lim.attempts, want)
	}
	if want := []int{200, 100}; !slices.Equal(w.chunks, want) {
		t.Errorf("chunks = %v, want %v", w.chunks, want)
	}
}

func TestContextEndsWait(t *testing.T) {
	lim := &scriptedLimiter{burst: 10, refuse: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var w chunkWriter
	n, err := Writer{Retry: time.Millisecond}.Send(ctx, &w, make([]byte, 50), lim)
	if !errors.Is(err, context.DeadlineExceeded) || n != 0 {
		t.Errorf("Send = %d, %v", n, err)
	}
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("broken pipe")
	}
	w.after--
	return len(p), nil
}

func TestWriteErrorStops(t *testing.T) {
	lim := &scriptedLimiter{burst: 10}
	n, err := Writer{}.Send(context.Background(), &failingWriter{after: 2}, make([]byte, 100), lim)
	if err == nil || n != 20 {
		t.Errorf("Send = %d, %v", n, err)
	}
}

// fakeClock advances by step on every reading.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func TestShapedByRealBucket(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0), step: 100 * time.Millisecond}
	b := bucket.NewWithClock(1000, clock.Now)
	body := make([]byte, 3500)
	var w chunkWriter
	n, err := Writer{Retry: time.Millisecond}.Send(context.Background(), &w, body, b)
	if err != nil || n != len(body) {
		t.Fatalf("Send = %d, %v", n, err)
	}
	for _, c := range w.chunks {
		if c > 1000 {
			t.Errorf("chunk of %d exceeds burst", c)
		}
	}
}

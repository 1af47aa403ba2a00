// Package admission keeps the capability registry: which capabilities
// may fetch assets, which are paused, and how fast each may be served.
package admission

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"

	"aperture/internal/bucket"
)

var (
	ErrUnauthorized = errors.New("admission: admin token mismatch")
	ErrUnknownCap   = errors.New("admission: unknown capability")
	ErrBadLimit     = errors.New("admission: bandwidth must be positive")
	// ErrQueueFull is returned to a parked request pushed out of a paused
	// capability's queue by newer arrivals.
	ErrQueueFull = errors.New("admission: pause queue overflow")
	// ErrDropped is returned to parked requests whose capability was
	// removed or whose controller is draining. The caller should abandon
	// the connection without replying.
	ErrDropped = errors.New("admission: capability removed while paused")
)

const (
	// MaxQueued bounds the requests parked on one paused capability.
	MaxQueued = 50

	// ViewerMaxBandwidth is the value viewers send when the bandwidth
	// slider is at its maximum. Limits at or above it are raised to
	// at least MaxSliderBandwidth.
	ViewerMaxBandwidth = 319000
	MaxSliderBandwidth = 625000
)

type verdict int

const (
	proceed verdict = iota
	overflow
	dropped
)

// parked is a request waiting on a paused capability. done is closed
// once a request released with proceed has been handed on.
type parked struct {
	ch   chan verdict
	done chan struct{}
	once sync.Once
}

func newParked() *parked {
	return &parked{ch: make(chan verdict, 1), done: make(chan struct{})}
}

func (p *parked) release() { p.once.Do(func() { close(p.done) }) }

func noRelease() {}

type options struct {
	logger    *slog.Logger
	newBucket func(bandwidth int) *bucket.Bucket
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBucketFactory replaces bucket.New, mainly so tests can drive the
// buckets from a fake clock.
func WithBucketFactory(fn func(bandwidth int) *bucket.Bucket) Option {
	return func(o *options) {
		if fn != nil {
			o.newBucket = fn
		}
	}
}

type Controller struct {
	adminToken string
	newBucket  func(int) *bucket.Bucket
	log        *slog.Logger

	mu      sync.Mutex
	valid   map[string]struct{}
	buckets map[string]*bucket.Bucket
	// paused holds one queue per paused capability. A capability may be
	// paused before it is added.
	paused   map[string][]*parked
	draining bool
}

func New(adminToken string, opts ...Option) *Controller {
	o := options{logger: slog.Default(), newBucket: bucket.New}
	for _, fn := range opts {
		fn(&o)
	}
	return &Controller{
		adminToken: adminToken,
		newBucket:  o.newBucket,
		log:        o.logger.With(slog.String("component", "caps")),
		valid:      map[string]struct{}{},
		buckets:    map[string]*bucket.Bucket{},
		paused:     map[string][]*parked{},
	}
}

func (c *Controller) authorize(token string) error {
	if subtle.ConstantTimeCompare([]byte(token), []byte(c.adminToken)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AddCapability registers id. A positive bandwidth attaches a bucket of
// that many bytes per second; zero leaves any existing bucket in place.
func (c *Controller) AddCapability(token, id string, bandwidth int) error {
	if err := c.authorize(token); err != nil {
		return err
	}
	if bandwidth < 0 {
		return ErrBadLimit
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid[id] = struct{}{}
	if bandwidth > 0 {
		c.buckets[id] = c.newBucket(bandwidth)
	}
	c.log.Debug("capability added", slog.String("cap", id), slog.Int("bandwidth", bandwidth))
	return nil
}

// RemoveCapability unregisters id and forgets its bucket and pause
// queue. Requests parked on it are released with ErrDropped.
func (c *Controller) RemoveCapability(token, id string) error {
	if err := c.authorize(token); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.valid, id)
	delete(c.buckets, id)
	queue := c.paused[id]
	delete(c.paused, id)
	c.mu.Unlock()

	for _, p := range queue {
		p.ch <- dropped
	}
	c.log.Debug("capability removed", slog.String("cap", id), slog.Int("dropped", len(queue)))
	return nil
}

// Pause starts queueing requests for id. Pausing twice is a no-op.
func (c *Controller) Pause(token, id string) error {
	if err := c.authorize(token); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.paused[id]; !ok {
		c.paused[id] = nil
		c.log.Debug("capability paused", slog.String("cap", id))
	}
	return nil
}

// Resume releases every request parked on id, oldest first. Each request
// is let go only after the previous one has called its release func, so
// they reach the backends in the order they arrived.
func (c *Controller) Resume(token, id string) error {
	if err := c.authorize(token); err != nil {
		return err
	}
	c.mu.Lock()
	queue, ok := c.paused[id]
	delete(c.paused, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	for _, p := range queue {
		p.ch <- proceed
		<-p.done
	}
	c.log.Debug("capability resumed", slog.String("cap", id), slog.Int("released", len(queue)))
	return nil
}

// Limit replaces the bucket of a registered capability.
func (c *Controller) Limit(token, id string, bandwidth int) error {
	if err := c.authorize(token); err != nil {
		return err
	}
	if bandwidth <= 0 {
		return ErrBadLimit
	}
	if bandwidth >= ViewerMaxBandwidth {
		bandwidth = max(MaxSliderBandwidth, bandwidth)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.valid[id]; !ok {
		return ErrUnknownCap
	}
	c.buckets[id] = c.newBucket(bandwidth)
	c.log.Debug("capability limited", slog.String("cap", id), slog.Int("bandwidth", bandwidth))
	return nil
}

// Bucket returns the bucket shaping id, or nil when id is unlimited.
func (c *Controller) Bucket(id string) *bucket.Bucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buckets[id]
}

func (c *Controller) IsValid(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.valid[id]
	return ok
}

func (c *Controller) IsPaused(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paused[id]
	return ok
}

// Count returns the number of registered capabilities.
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.valid)
}

// Queued returns how many requests are parked on id.
func (c *Controller) Queued(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paused[id])
}

// Drain releases every parked request with ErrDropped and makes later
// requests on paused capabilities fail the same way instead of parking.
// Pause state is kept.
func (c *Controller) Drain() {
	c.mu.Lock()
	c.draining = true
	var n int
	for id, queue := range c.paused {
		for _, p := range queue {
			p.ch <- dropped
		}
		n += len(queue)
		c.paused[id] = nil
	}
	c.mu.Unlock()
	c.log.Debug("parked requests drained", slog.Int("dropped", n))
}

// Admit decides whether a request for capability id may proceed. Unknown
// capabilities get ErrUnknownCap. A request on a paused capability
// blocks until the capability is resumed, the request is pushed out of
// the queue (ErrQueueFull), the capability is removed or the controller
// drained (ErrDropped), or ctx ends.
//
// When err is nil the caller must call release once it has handed the
// request on; a resumed capability lets its next request go only then.
// release is idempotent and never nil.
func (c *Controller) Admit(ctx context.Context, id string) (release func(), err error) {
	c.mu.Lock()
	if _, ok := c.valid[id]; !ok {
		c.mu.Unlock()
		return noRelease, ErrUnknownCap
	}
	queue, paused := c.paused[id]
	if !paused {
		c.mu.Unlock()
		return noRelease, nil
	}
	if c.draining {
		c.mu.Unlock()
		return noRelease, ErrDropped
	}

	p := newParked()
	queue = append(queue, p)
	var evicted *parked
	if len(queue) > MaxQueued {
		evicted, queue = queue[0], queue[1:]
	}
	c.paused[id] = queue
	c.mu.Unlock()

	if evicted != nil {
		evicted.ch <- overflow
		c.log.Warn("pause queue full, rejecting oldest request", slog.String("cap", id))
	}

	var v verdict
	select {
	case v = <-p.ch:
	case <-ctx.Done():
		if c.unpark(id, p) {
			return noRelease, ctx.Err()
		}
		// Released concurrently; the verdict is already buffered.
		v = <-p.ch
	}
	if v != proceed {
		return noRelease, v.err()
	}
	return p.release, nil
}

func (v verdict) err() error {
	switch v {
	case overflow:
		return ErrQueueFull
	case dropped:
		return ErrDropped
	default:
		return nil
	}
}

// unpark removes p from id's queue and reports whether it was still
// there.
func (c *Controller) unpark(id string, p *parked) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue, ok := c.paused[id]
	if !ok {
		return false
	}
	for i, q := range queue {
		if q == p {
			c.paused[id] = append(queue[:i:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

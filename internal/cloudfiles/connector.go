// Package cloudfiles fetches assets from CloudFiles-compatible object
// storage. Requests are queued and served by a fixed pool of workers.
package cloudfiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"aperture/internal/asset"
)

var (
	ErrNotFound = errors.New("cloudfiles: asset not found")
	ErrAuth     = errors.New("cloudfiles: authentication failed")
	ErrStopped  = errors.New("cloudfiles: connector stopped")
)

// containerPrefixLen is how many leading id characters name the
// container an asset is stored in.
const containerPrefixLen = 4

const (
	defaultWorkers = 16
	defaultTimeout = 30 * time.Second
)

type Config struct {
	Username        string
	APIKey          string
	Region          string
	ContainerPrefix string
	UseInternalURL  bool
	AuthURL         string
	Workers         int
	Timeout         time.Duration
}

// Callback receives the outcome of a fetch. It runs on a worker
// goroutine.
type Callback func(a *asset.Stratus, err error)

type options struct {
	logger *slog.Logger
	client *http.Client
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHTTPClient replaces the client used for both identity and storage
// requests. Its Timeout is left as given.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

type job struct {
	id string
	cb Callback
}

type Connector struct {
	cfg    Config
	auth   *authorizer
	client *http.Client
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []job
	stopping bool
}

func New(cfg Config, opts ...Option) *Connector {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	o := options{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: cfg.Timeout}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connector{
		cfg:    cfg,
		client: o.client,
		log:    o.logger.With(slog.String("component", "cloudfiles")),
		ctx:    ctx,
		cancel: cancel,
		auth: &authorizer{
			client:      o.client,
			url:         cfg.AuthURL,
			username:    cfg.Username,
			apiKey:      cfg.APIKey,
			region:      cfg.Region,
			internalURL: cfg.UseInternalURL,
		},
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start logs in and launches the worker pool. A failed login is returned
// and no workers are started.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.auth.refresh(ctx); err != nil {
		return err
	}
	_, ep := c.auth.current()
	c.log.Info("auth successful", slog.String("endpoint", ep), slog.Int("workers", c.cfg.Workers))

	c.wg.Add(c.cfg.Workers)
	for range c.cfg.Workers {
		go c.worker()
	}
	return nil
}

// Stop wakes every worker and waits for in-flight fetches to finish.
// Queued fetches that never started are failed with ErrStopped.
func (c *Connector) Stop() {
	c.mu.Lock()
	c.stopping = true
	dropped := c.queue
	c.queue = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	for _, j := range dropped {
		j.cb(nil, ErrStopped)
	}
}

// Fetch queues a request for id. cb is called exactly once.
func (c *Connector) Fetch(id string, cb Callback) {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		cb(nil, ErrStopped)
		return
	}
	c.queue = append(c.queue, job{id: id, cb: cb})
	c.cond.Signal()
	c.mu.Unlock()
}

type result struct {
	asset *asset.Stratus
	err   error
}

// Get is the blocking form of Fetch.
func (c *Connector) Get(ctx context.Context, id string) (*asset.Stratus, error) {
	ch := make(chan result, 1)
	c.Fetch(id, func(a *asset.Stratus, err error) { ch <- result{a, err} })
	select {
	case r := <-ch:
		return r.asset, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueLen reports the number of fetches waiting for a worker.
func (c *Connector) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Connector) next() (job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.stopping {
		c.cond.Wait()
	}
	if c.stopping {
		return job{}, false
	}
	j := c.queue[0]
	c.queue = c.queue[1:]
	return j, true
}

func (c *Connector) worker() {
	defer c.wg.Done()
	for {
		j, ok := c.next()
		if !ok {
			return
		}
		a, err := c.fetch(c.ctx, j.id, false)
		if err != nil && !errors.Is(err, ErrNotFound) {
			c.log.Warn("fetch failed", slog.String("asset", j.id), slog.Any("err", err))
		}
		j.cb(a, err)
	}
}

// ContainerName returns the storage container holding id.
func ContainerName(prefix, id string) string {
	n := min(containerPrefixLen, len(id))
	return prefix + strings.ToUpper(id[:n])
}

func objectURL(endpoint, prefix, id string) string {
	return endpoint + "/" + ContainerName(prefix, id) + "/" +
		strings.ToLower(strings.ReplaceAll(id, "-", "")) + ".asset"
}

func (c *Connector) fetch(ctx context.Context, id string, isRetry bool) (*asset.Stratus, error) {
	token, ep := c.auth.current()
	url := objectURL(ep, c.cfg.ContainerPrefix, id)
	c.log.Debug("getting object", slog.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", token)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", id, err)
		}
		return asset.DecodeStratus(id, body)
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusUnauthorized:
		if isRetry {
			return nil, fmt.Errorf("%w: token rejected after refresh", ErrAuth)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		if err := c.auth.refresh(ctx); err != nil {
			return nil, err
		}
		return c.fetch(ctx, id, true)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("get %s: storage answered %d: %s", id, resp.StatusCode, msg)
	}
}

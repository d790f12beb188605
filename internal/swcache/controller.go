package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrPopulate  = errors.New("swcache: cache population failed")
	ErrNotCached = errors.New("swcache: not cached")
)

// Outcome says how a fetch was answered.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"     // fetched and written back
	OutcomeNetwork  Outcome = "network"  // fetched, not cacheable
	OutcomeFallback Outcome = "fallback" // offline navigation served from cache
	OutcomeBypass   Outcome = "bypass"   // not intercepted
	OutcomeOffline  Outcome = "offline"  // network failure propagated
)

// State is a controller's position in the lifecycle.
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

const (
	defaultInstallConcurrency = 8
	writeBackTimeout          = 30 * time.Second
	writeBackQueueWait        = 5 * time.Second
	sharedFetchTimeout        = 60 * time.Second
	maxWriteBacks             = 64
	backgroundSyncTag         = "background-sync"
)

// ControllerConfig is the static configuration baked into one deployed
// controller version.
type ControllerConfig struct {
	// BucketName is the version tag, e.g. "flashlight-pwa-v1.0.0".
	BucketName string
	// Manifest locators are resolved against Scope.
	Manifest []string
	Sitemaps []string
	Scope    *url.URL
	// Fallback is served to navigations when the network is unreachable.
	Fallback string
	// Exclude selects requests that pass through untouched.
	Exclude      func(*url.URL) bool
	Notification NotificationConfig

	InstallConcurrency int
}

// Host bundles the platform services a controller consumes.
type Host struct {
	Storage  Storage
	Fetcher  Fetcher
	Clients  Clients
	Notifier Notifier
}

// InstallResult describes the outcome of the install handler.
type InstallResult struct {
	Bucket  string
	Entries int
	// Warm is true only when every manifest entry was stored.
	Warm bool
	Err  error
}

type Controller struct {
	cfg        ControllerConfig
	host       Host
	dispatcher *Dispatcher

	sf singleflight.Group

	bucketMu sync.Mutex
	bucket   Bucket

	bgSem chan struct{}
	wg    sync.WaitGroup

	writeLog    *rateLimitedLogger
	overflowLog *rateLimitedLogger
	stats       *statsCollector

	mu            sync.Mutex
	state         State
	skipWaiting   bool
	onSkipWaiting func(*Controller)
}

func NewController(cfg ControllerConfig, host Host) *Controller {
	if cfg.Scope == nil {
		cfg.Scope = &url.URL{Scheme: "http", Host: "localhost", Path: "/"}
	}
	if cfg.Fallback == "" {
		cfg.Fallback = "./index.html"
	}
	if cfg.InstallConcurrency <= 0 {
		cfg.InstallConcurrency = defaultInstallConcurrency
	}
	if host.Clients == nil {
		host.Clients = NewClientRegistry()
	}
	if host.Notifier == nil {
		host.Notifier = NewNotificationCenter()
	}
	c := &Controller{
		cfg:         cfg,
		host:        host,
		dispatcher:  NewDispatcher(),
		bgSem:       make(chan struct{}, maxWriteBacks),
		writeLog:    newRateLimitedLogger(time.Minute),
		overflowLog: newRateLimitedLogger(time.Minute),
		stats:       newStatsCollector(),
		state:       StateInstalling,
	}
	c.dispatcher.On(EventInstall, c.onInstall)
	c.dispatcher.On(EventActivate, c.onActivate)
	c.dispatcher.On(EventFetch, c.onFetch)
	c.dispatcher.On(EventPush, c.onPush)
	c.dispatcher.On(EventNotificationClick, c.onNotificationClick)
	c.dispatcher.On(EventMessage, c.onMessage)
	c.dispatcher.On(EventSync, c.onSync)
	c.dispatcher.On(EventError, c.onError)
	c.dispatcher.On(EventUnhandledRejection, c.onRejection)
	return c
}

// Version is the bucket name this controller owns.
func (c *Controller) Version() string { return c.cfg.BucketName }

func (c *Controller) Dispatcher() *Dispatcher { return c.dispatcher }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.WithFields(log.Fields{"version": c.cfg.BucketName, "from": string(prev), "to": string(s)}).Debug("state change")
	}
}

// SkipWaiting marks the controller for immediate activation once installed.
func (c *Controller) SkipWaiting() {
	c.mu.Lock()
	c.skipWaiting = true
	hook := c.onSkipWaiting
	c.mu.Unlock()
	if hook != nil {
		hook(c)
	}
}

func (c *Controller) skipWaitingRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipWaiting
}

// Wait blocks until outstanding write-backs and background tasks finish.
func (c *Controller) Wait() {
	c.wg.Wait()
	c.dispatcher.Wait()
}

// Install dispatches an install event and returns its result.
func (c *Controller) Install(ctx context.Context) InstallResult {
	ev := &InstallEvent{}
	if err := c.dispatcher.Dispatch(ctx, ev); err != nil {
		ev.Result.Err = err
	}
	return ev.Result
}

// Activate dispatches an activate event and returns the pruned bucket names.
func (c *Controller) Activate(ctx context.Context) ([]string, error) {
	ev := &ActivateEvent{}
	err := c.dispatcher.Dispatch(ctx, ev)
	return ev.Pruned, err
}

// HandleFetch dispatches a fetch event. A nil response with OutcomeBypass
// means the host should perform the request itself.
func (c *Controller) HandleFetch(ctx context.Context, req *Request) (*Response, Outcome, error) {
	ev := &FetchEvent{Request: req}
	if err := c.dispatcher.Dispatch(ctx, ev); err != nil {
		c.stats.Observe(OutcomeOffline, -1)
		return nil, OutcomeOffline, err
	}
	resp, outcome, ok := ev.Response()
	if !ok {
		c.stats.Observe(OutcomeBypass, -1)
		return nil, OutcomeBypass, nil
	}
	c.observe(resp, outcome)
	return resp, outcome, nil
}

func (c *Controller) observe(resp *Response, outcome Outcome) {
	switch outcome {
	case OutcomeHit, OutcomeMiss:
		c.stats.Observe(outcome, len(resp.Body))
	default:
		c.stats.Observe(outcome, -1)
	}
}

func (c *Controller) resolve(locator string) (*url.URL, error) {
	return resolveAgainst(c.cfg.Scope, locator)
}

func (c *Controller) openBucket(ctx context.Context) (Bucket, error) {
	c.bucketMu.Lock()
	defer c.bucketMu.Unlock()
	if c.bucket != nil {
		return c.bucket, nil
	}
	b, err := c.host.Storage.Open(ctx, c.cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", c.cfg.BucketName, err)
	}
	c.bucket = b
	return b, nil
}

// ---- install ----

func (c *Controller) onInstall(ctx context.Context, ev Event) error {
	iev := ev.(*InstallEvent)
	logger := log.WithField("bucket", c.cfg.BucketName)
	logger.Info("installing")

	iev.Result = InstallResult{Bucket: c.cfg.BucketName}
	bucket, err := c.openBucket(ctx)
	if err != nil {
		iev.Result.Err = err
		logger.WithError(err).Error("install failed")
		return nil
	}
	n, err := c.populate(ctx, bucket)
	if err != nil {
		iev.Result.Err = err
		logger.WithError(err).Error("install failed")
		return nil
	}
	iev.Result.Entries = n
	iev.Result.Warm = true
	logger.WithField("entries", n).Info("install complete")
	c.SkipWaiting()
	return nil
}

// populate fetches every manifest entry and stores them in one atomic write.
// Nothing is stored unless every fetch succeeds with an ok status.
func (c *Controller) populate(ctx context.Context, bucket Bucket) (int, error) {
	locators := append([]string(nil), c.cfg.Manifest...)
	if len(c.cfg.Sitemaps) > 0 {
		found, err := discoverManifest(ctx, c.host.Fetcher, c.cfg.Scope, c.cfg.Sitemaps)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrPopulate, err)
		}
		locators = append(locators, found...)
	}

	reqs := make([]*Request, 0, len(locators))
	seen := make(map[string]struct{}, len(locators))
	for _, loc := range locators {
		u, err := c.resolve(loc)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrPopulate, err)
		}
		req := &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
		if _, dup := seen[req.Identity()]; dup {
			continue
		}
		seen[req.Identity()] = struct{}{}
		reqs = append(reqs, req)
	}

	entries := make([]Entry, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.InstallConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := c.host.Fetcher.Fetch(gctx, req)
			if err != nil {
				return err
			}
			if !resp.OK() {
				return fmt.Errorf("%s: bad status %d", req.URL, resp.Status)
			}
			entries[i] = Entry{Key: req.Identity(), Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPopulate, err)
	}
	if err := bucket.PutAll(ctx, entries); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPopulate, err)
	}
	return len(entries), nil
}

// ---- activate ----

func (c *Controller) onActivate(ctx context.Context, ev Event) error {
	aev := ev.(*ActivateEvent)
	logger := log.WithField("bucket", c.cfg.BucketName)
	logger.Info("activating")

	names, err := c.host.Storage.Keys(ctx)
	if err != nil {
		logger.WithError(err).Error("activate: list buckets failed")
	}
	for _, name := range names {
		if name == c.cfg.BucketName {
			continue
		}
		logger.WithField("stale", name).Info("deleting old bucket")
		if _, err := c.host.Storage.Delete(ctx, name); err != nil {
			logger.WithError(err).WithField("stale", name).Error("activate: delete bucket failed")
			continue
		}
		aev.Pruned = append(aev.Pruned, name)
	}

	if err := c.host.Clients.Claim(ctx, c.cfg.BucketName); err != nil {
		logger.WithError(err).Error("activate: claim clients failed")
	}
	logger.WithField("pruned", len(aev.Pruned)).Info("activate complete")
	return nil
}

// ---- fetch ----

// intercepts reports whether the fetch handler takes the request. Anything
// else never reaches the cache.
func (c *Controller) intercepts(req *Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return false
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return false
	}
	if c.cfg.Exclude != nil && c.cfg.Exclude(req.URL) {
		return false
	}
	return true
}

func (c *Controller) onFetch(ctx context.Context, ev Event) error {
	fev := ev.(*FetchEvent)
	req := fev.Request
	if !c.intercepts(req) {
		return nil
	}

	bucket, err := c.openBucket(ctx)
	if err != nil {
		log.WithError(err).Warn("fetch: bucket unavailable")
	} else {
		resp, ok, err := bucket.Match(ctx, req)
		if err != nil {
			log.WithError(err).WithField("url", req.URL.String()).Warn("fetch: cache lookup failed")
		}
		if ok {
			log.WithField("url", req.URL.String()).Debug("serving from cache")
			fev.RespondWith(resp, OutcomeHit)
			return nil
		}
	}

	log.WithField("url", req.URL.String()).Debug("fetching from network")
	resp, err := c.fetchNetwork(ctx, req)
	if err != nil {
		log.WithError(err).WithField("url", req.URL.String()).Warn("network error")
		if req.IsNavigation() {
			if fb, ok := c.matchFallback(ctx); ok {
				fev.RespondWith(fb, OutcomeFallback)
				return nil
			}
			return fmt.Errorf("%w: fallback %s: %w", ErrNotCached, c.cfg.Fallback, err)
		}
		return err
	}
	if resp.Cacheable() {
		fev.RespondWith(resp, OutcomeMiss)
	} else {
		fev.RespondWith(resp, OutcomeNetwork)
	}
	return nil
}

// fetchNetwork coalesces concurrent misses for one identity into a single
// network fetch and write-back. Each caller gets its own copy. The shared
// fetch outlives any single caller; a caller whose ctx ends stops waiting.
func (c *Controller) fetchNetwork(ctx context.Context, req *Request) (*Response, error) {
	ch := c.sf.DoChan(req.Identity(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		resp, err := c.host.Fetcher.Fetch(fctx, req)
		if err != nil {
			return nil, err
		}
		if !resp.Cacheable() {
			return resp, nil
		}
		keep, store := resp.Duplicate()
		c.writeBack(req, store)
		return keep, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out, _ := res.Val.(*Response).Duplicate()
		return out, nil
	case <-ctx.Done():
		return nil, &FetchError{Identity: req.Identity(), Err: ctx.Err()}
	}
}

// writeBack stores resp asynchronously. Failures are logged and never reach
// the response already returned. When every write-back slot is busy it waits
// up to writeBackQueueWait for one before dropping the write.
func (c *Controller) writeBack(req *Request, resp *Response) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		wait := time.NewTimer(writeBackQueueWait)
		defer wait.Stop()
		select {
		case c.bgSem <- struct{}{}:
		case <-wait.C:
			c.overflowLog.Printf("write-back queue full, dropping %s", req.Identity())
			return
		}
		defer func() { <-c.bgSem }()

		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()

		bucket, err := c.openBucket(ctx)
		if err == nil {
			err = bucket.Put(ctx, req, resp)
		}
		if err != nil {
			c.writeLog.Printf("write-back %s failed: %v", req.Identity(), err)
		}
	}()
}

func (c *Controller) matchFallback(ctx context.Context) (*Response, bool) {
	u, err := c.resolve(c.cfg.Fallback)
	if err != nil {
		return nil, false
	}
	bucket, err := c.openBucket(ctx)
	if err != nil {
		return nil, false
	}
	resp, ok, err := bucket.Match(ctx, &Request{Method: http.MethodGet, URL: u})
	if err != nil || !ok {
		return nil, false
	}
	return resp, true
}

// ---- stubs ----

func (c *Controller) onPush(ctx context.Context, ev Event) error {
	pev := ev.(*PushEvent)
	if len(pev.Data) == 0 {
		return nil
	}
	nc := c.cfg.Notification
	return c.host.Notifier.Show(ctx, Notification{
		Title:   nc.Title,
		Body:    pev.Text(),
		Icon:    nc.Icon,
		Badge:   nc.Badge,
		Tag:     nc.Tag,
		Vibrate: append([]int(nil), nc.Vibrate...),
		Actions: append([]NotificationAction(nil), nc.Actions...),
	})
}

func (c *Controller) onNotificationClick(ctx context.Context, ev Event) error {
	nev := ev.(*NotificationClickEvent)
	log.WithField("action", nev.Action).Info("notification clicked")

	if err := c.host.Notifier.Close(ctx, nev.Notification.Tag); err != nil {
		return err
	}
	if nev.Action == ActionClose {
		return nil
	}

	root := c.cfg.Scope.String()
	clients, err := c.host.Clients.MatchAll(ctx)
	if err != nil {
		return err
	}
	for _, cl := range clients {
		if cl.URL == root {
			_, err := c.host.Clients.Focus(ctx, cl.ID)
			return err
		}
	}
	_, err = c.host.Clients.OpenWindow(ctx, root)
	return err
}

func (c *Controller) onMessage(ctx context.Context, ev Event) error {
	mev := ev.(*MessageEvent)
	switch mev.Data.Type {
	case MessageSkipWaiting:
		c.SkipWaiting()
		return c.reply(ctx, mev, Message{Type: MessageSkipWaitingAck, Version: c.cfg.BucketName})
	case MessageGetVersion:
		return c.reply(ctx, mev, Message{Type: MessageVersion, Version: c.cfg.BucketName, State: c.State()})
	default:
		log.WithField("type", mev.Data.Type).Debug("ignoring message")
		return nil
	}
}

// reply posts m only when the sender supplied a port.
func (c *Controller) reply(ctx context.Context, ev *MessageEvent, m Message) error {
	if ev.Port == nil {
		return nil
	}
	return ev.Port.PostMessage(ctx, m)
}

func (c *Controller) onSync(_ context.Context, ev Event) error {
	sev := ev.(*SyncEvent)
	if sev.Tag == backgroundSyncTag {
		log.WithField("tag", sev.Tag).Info("background sync")
	}
	return nil
}

func (c *Controller) onError(_ context.Context, ev Event) error {
	log.WithError(ev.(*ErrorEvent).Err).Error("controller error")
	return nil
}

func (c *Controller) onRejection(_ context.Context, ev Event) error {
	rev := ev.(*RejectionEvent)
	log.WithError(rev.Reason).WithField("event", string(rev.Source)).Error("unhandled rejection")
	return nil
}

package swcache

import (
	"context"
	"sync"

	"github.com/apex/log"
)

// Registration plays the host's part in the controller lifecycle. It installs
// new versions, keeps at most one waiting and one active controller, and
// promotes a waiting controller when there is no active one or when the
// controller asked to skip waiting.
type Registration struct {
	host Host

	// lifecycle serializes install and promotion.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	installing *Controller
	waiting    *Controller
	active     *Controller
}

func NewRegistration(host Host) *Registration {
	if host.Clients == nil {
		host.Clients = NewClientRegistry()
	}
	if host.Notifier == nil {
		host.Notifier = NewNotificationCenter()
	}
	return &Registration{host: host}
}

func (r *Registration) Host() Host { return r.host }

// Register installs a controller for cfg and activates it when allowed.
// Install failures never fail registration; they show up in the result.
func (r *Registration) Register(ctx context.Context, cfg ControllerConfig) (*Controller, InstallResult) {
	c := NewController(cfg, r.host)
	c.onSkipWaiting = r.skipWaiting

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	r.installing = c
	r.mu.Unlock()

	c.setState(StateInstalling)
	res := c.Install(ctx)

	r.mu.Lock()
	r.installing = nil
	prev := r.waiting
	r.waiting = c
	noActive := r.active == nil
	r.mu.Unlock()
	if prev != nil {
		prev.setState(StateRedundant)
	}
	c.setState(StateWaiting)

	if noActive || c.skipWaitingRequested() {
		r.activateLocked(ctx, c)
	} else {
		log.WithField("version", c.Version()).Info("installed, waiting for activation")
	}
	return c, res
}

// skipWaiting is the controller's hook for SkipWaiting. During install the
// flag alone is enough; Register checks it afterwards.
func (r *Registration) skipWaiting(c *Controller) {
	if c.State() != StateWaiting {
		return
	}
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if c.State() != StateWaiting || r.Waiting() != c {
		return
	}
	r.activateLocked(context.Background(), c)
}

func (r *Registration) activateLocked(ctx context.Context, c *Controller) {
	r.mu.Lock()
	old := r.active
	r.mu.Unlock()

	c.setState(StateActivating)
	if _, err := c.Activate(ctx); err != nil {
		log.WithError(err).WithField("version", c.Version()).Error("activate failed")
	}

	r.mu.Lock()
	r.active = c
	if r.waiting == c {
		r.waiting = nil
	}
	r.mu.Unlock()
	c.setState(StateActive)

	if old != nil && old != c {
		old.setState(StateRedundant)
		old.Wait()
	}
}

func (r *Registration) Active() *Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registration) Waiting() *Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

func (r *Registration) Installing() *Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installing
}

// HandleFetch routes a request through the active controller. Without one,
// the request is not intercepted.
func (r *Registration) HandleFetch(ctx context.Context, req *Request) (*Response, Outcome, error) {
	c := r.Active()
	if c == nil {
		return nil, OutcomeBypass, nil
	}
	return c.HandleFetch(ctx, req)
}

// PostMessage delivers m to the waiting controller if there is one, else to
// the active one. port may be nil.
func (r *Registration) PostMessage(ctx context.Context, m Message, port ReplyPort) error {
	c := r.Waiting()
	if c == nil {
		c = r.Active()
	}
	if c == nil {
		return nil
	}
	return c.Dispatcher().Dispatch(ctx, &MessageEvent{Data: m, Port: port})
}

// Deliver dispatches a non-fetch event to the active controller as a
// background task.
func (r *Registration) Deliver(ctx context.Context, ev Event) {
	if c := r.Active(); c != nil {
		c.Dispatcher().Go(ctx, ev)
	}
}

// Wait blocks until every known controller has drained background work.
func (r *Registration) Wait() {
	r.mu.RLock()
	cs := []*Controller{r.active, r.waiting}
	r.mu.RUnlock()
	for _, c := range cs {
		if c != nil {
			c.Wait()
		}
	}
}

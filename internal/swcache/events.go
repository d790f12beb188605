package swcache

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/apex/log"
)

var ErrNoHandler = errors.New("swcache: no handler for event")

type EventKind string

const (
	EventInstall            EventKind = "install"
	EventActivate           EventKind = "activate"
	EventFetch              EventKind = "fetch"
	EventPush               EventKind = "push"
	EventNotificationClick  EventKind = "notificationclick"
	EventMessage            EventKind = "message"
	EventSync               EventKind = "sync"
	EventError              EventKind = "error"
	EventUnhandledRejection EventKind = "unhandledrejection"
)

// Event is anything the host delivers to the controller.
type Event interface {
	Kind() EventKind
}

type InstallEvent struct {
	Result InstallResult
}

func (*InstallEvent) Kind() EventKind { return EventInstall }

type ActivateEvent struct {
	Pruned []string
}

func (*ActivateEvent) Kind() EventKind { return EventActivate }

// FetchEvent carries an intercepted request. A handler that leaves it
// without a response lets the host fall through to the network.
type FetchEvent struct {
	Request *Request

	mu        sync.Mutex
	resp      *Response
	outcome   Outcome
	responded bool
}

func (*FetchEvent) Kind() EventKind { return EventFetch }

func (e *FetchEvent) RespondWith(resp *Response, outcome Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resp, e.outcome, e.responded = resp, outcome, true
}

// Response returns what the handler responded with, if anything.
func (e *FetchEvent) Response() (*Response, Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resp, e.outcome, e.responded
}

type PushEvent struct {
	Data []byte
}

func (*PushEvent) Kind() EventKind { return EventPush }

func (e *PushEvent) Text() string { return string(e.Data) }

type NotificationClickEvent struct {
	Notification Notification
	Action       string
}

func (*NotificationClickEvent) Kind() EventKind { return EventNotificationClick }

type MessageEvent struct {
	Data Message
	// Port is optional. Broadcast messages have none.
	Port ReplyPort
}

func (*MessageEvent) Kind() EventKind { return EventMessage }

type SyncEvent struct {
	Tag string
}

func (*SyncEvent) Kind() EventKind { return EventSync }

type ErrorEvent struct {
	Err error
}

func (*ErrorEvent) Kind() EventKind { return EventError }

type RejectionEvent struct {
	Source EventKind
	Reason error
}

func (*RejectionEvent) Kind() EventKind { return EventUnhandledRejection }

// Handler runs one event to completion.
type Handler func(ctx context.Context, ev Event) error

// Dispatcher is the event-kind to handler table. Dispatch runs a handler
// inline and returns its error. Go runs it as an independent task whose
// failure nobody awaits, so the failure is routed to the unhandledrejection
// handler. Panics are recovered and routed to the error handler.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind]Handler

	wg sync.WaitGroup
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[EventKind]Handler{}}
}

// On registers h for kind, replacing any earlier handler.
func (d *Dispatcher) On(kind EventKind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) Handles(kind EventKind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[kind]
	return ok
}

func (d *Dispatcher) handler(kind EventKind) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	h, ok := d.handler(ev.Kind())
	if !ok {
		return fmt.Errorf("%w %q", ErrNoHandler, ev.Kind())
	}
	return d.run(ctx, h, ev)
}

func (d *Dispatcher) Go(ctx context.Context, ev Event) {
	h, ok := d.handler(ev.Kind())
	if !ok {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.run(ctx, h, ev); err != nil {
			d.reject(ctx, ev.Kind(), err)
		}
	}()
}

// Wait blocks until every task started with Go has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panic: %v", ev.Kind(), r)
			log.WithField("event", string(ev.Kind())).Errorf("handler panic: %v\n%s", r, debug.Stack())
			if ev.Kind() != EventError {
				d.report(ctx, err)
			}
		}
	}()
	return h(ctx, ev)
}

func (d *Dispatcher) report(ctx context.Context, err error) {
	h, ok := d.handler(EventError)
	if !ok {
		return
	}
	if herr := d.run(ctx, h, &ErrorEvent{Err: err}); herr != nil {
		log.WithError(herr).Error("error handler failed")
	}
}

func (d *Dispatcher) reject(ctx context.Context, source EventKind, reason error) {
	if source == EventUnhandledRejection {
		log.WithError(reason).Error("unhandledrejection handler failed")
		return
	}
	h, ok := d.handler(EventUnhandledRejection)
	if !ok {
		log.WithError(reason).WithField("event", string(source)).Error("unhandled task failure")
		return
	}
	if herr := d.run(ctx, h, &RejectionEvent{Source: source, Reason: reason}); herr != nil {
		log.WithError(herr).Error("unhandledrejection handler failed")
	}
}

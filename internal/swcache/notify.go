package swcache

import (
	"context"
	"sync"

	"github.com/apex/log"
)

const (
	ActionOpen  = "open"
	ActionClose = "close"
)

type NotificationAction struct {
	Action string `yaml:"action" json:"action"`
	Title  string `yaml:"title" json:"title"`
}

type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Tag     string               `json:"tag,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// NotificationCenter is a stub display: it logs and remembers what is
// currently shown. A notification replaces any earlier one with the same tag.
type NotificationCenter struct {
	mu    sync.Mutex
	shown []Notification
}

func NewNotificationCenter() *NotificationCenter {
	return &NotificationCenter{}
}

func (c *NotificationCenter) Show(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n.Tag != "" {
		c.removeLocked(n.Tag)
	}
	c.shown = append(c.shown, n)
	log.WithFields(log.Fields{"title": n.Title, "tag": n.Tag}).Infof("notification: %s", n.Body)
	return nil
}

func (c *NotificationCenter) Close(_ context.Context, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(tag)
	return nil
}

func (c *NotificationCenter) removeLocked(tag string) {
	kept := c.shown[:0]
	for _, n := range c.shown {
		if n.Tag != tag {
			kept = append(kept, n)
		}
	}
	c.shown = kept
}

// List returns the notifications currently displayed, oldest first.
func (c *NotificationCenter) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.shown...)
}

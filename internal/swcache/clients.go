package swcache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Client is an open window controlled (or not yet controlled) by a
// controller version.
type Client struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Focused    bool   `json:"focused"`
	Controller string `json:"controller,omitempty"`
}

// Clients is the host's view of open windows.
type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	// Claim makes version the controller of every open client.
	Claim(ctx context.Context, version string) error
	OpenWindow(ctx context.Context, url string) (Client, error)
	Focus(ctx context.Context, id string) (Client, error)
}

// ClientRegistry is an in-process Clients implementation. The HTTP host
// registers a client per browser session on navigation.
type ClientRegistry struct {
	mu      sync.Mutex
	seq     int
	clients map[string]*clientRecord
}

type clientRecord struct {
	Client
	seq int
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: map[string]*clientRecord{}}
}

// Register records a client view at url, or updates its url if it already
// exists. New clients are uncontrolled until claimed unless controller is
// non-empty.
func (r *ClientRegistry) Register(id, url, controller string) Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.URL = url
		return c.Client
	}
	r.seq++
	c := &clientRecord{Client: Client{ID: id, URL: url, Controller: controller}, seq: r.seq}
	r.clients[id] = c
	return c.Client
}

func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

func (r *ClientRegistry) MatchAll(_ context.Context) ([]Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := make([]*clientRecord, 0, len(r.clients))
	for _, c := range r.clients {
		recs = append(recs, c)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]Client, 0, len(recs))
	for _, c := range recs {
		out = append(out, c.Client)
	}
	return out, nil
}

func (r *ClientRegistry) Claim(_ context.Context, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Controller = version
	}
	return nil
}

func (r *ClientRegistry) OpenWindow(_ context.Context, url string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := "window-" + strconv.Itoa(r.seq)
	for _, c := range r.clients {
		c.Focused = false
	}
	c := &clientRecord{Client: Client{ID: id, URL: url, Focused: true}, seq: r.seq}
	r.clients[id] = c
	return c.Client, nil
}

func (r *ClientRegistry) Focus(_ context.Context, id string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.clients[id]
	if !ok {
		return Client{}, fmt.Errorf("client %q not found", id)
	}
	for _, c := range r.clients {
		c.Focused = false
	}
	target.Focused = true
	return target.Client, nil
}

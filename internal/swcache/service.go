package swcache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

const (
	clientCookie   = "swcache_client"
	adminPrefix    = "/_swcache/"
	maxAdminBody   = 64 << 10
	maxForwardBody = 32 << 20
)

// Service hosts a controller registration in front of an origin: every
// proxied request becomes a fetch event, and the admin endpoints deliver the
// remaining lifecycle events.
type Service struct {
	cfg Config

	storage  Storage
	fetcher  *HTTPFetcher
	clients  *ClientRegistry
	notifier *NotificationCenter
	reg      *Registration

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewService(cfg Config) (*Service, error) {
	storage, err := OpenStorage(cfg)
	if err != nil {
		return nil, err
	}
	return newService(cfg, storage, NewHTTPClient(cfg.FetchTimeout())), nil
}

func newService(cfg Config, storage Storage, client *http.Client) *Service {
	s := &Service{
		cfg:      cfg,
		storage:  storage,
		fetcher:  &HTTPFetcher{Client: client, Scope: cfg.Scope()},
		clients:  NewClientRegistry(),
		notifier: NewNotificationCenter(),
		stopCh:   make(chan struct{}),
	}
	s.reg = NewRegistration(Host{
		Storage:  s.storage,
		Fetcher:  s.fetcher,
		Clients:  s.clients,
		Notifier: s.notifier,
	})

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}
	return s
}

// Start registers the configured controller version: install, then
// activation when allowed.
func (s *Service) Start(ctx context.Context) InstallResult {
	_, res := s.reg.Register(ctx, s.cfg.ControllerConfig())
	return res
}

func (s *Service) Registration() *Registration { return s.reg }

func (s *Service) Close() {
	s.once.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.reg.Wait()
		if err := s.storage.Close(); err != nil {
			log.WithError(err).Warn("storage close failed")
		}
	})
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_swcache/state", s.handleState)
	mux.HandleFunc("GET /_swcache/buckets", s.handleBuckets)
	mux.HandleFunc("GET /_swcache/clients", s.handleClients)
	mux.HandleFunc("GET /_swcache/notifications", s.handleNotifications)
	mux.HandleFunc("POST /_swcache/message", s.handleMessage)
	mux.HandleFunc("POST /_swcache/push", s.handlePush)
	mux.HandleFunc("POST /_swcache/sync", s.handleSync)
	mux.HandleFunc("POST /_swcache/notificationclick", s.handleNotificationClick)
	mux.HandleFunc(adminPrefix, http.NotFound)
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req, err := s.toRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.IsNavigation() {
		s.trackClient(w, r, req)
	}

	resp, outcome, err := s.reg.HandleFetch(r.Context(), req)
	if err != nil {
		setSwcacheHeaders(w.Header(), string(OutcomeOffline))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if outcome == OutcomeBypass {
		s.proxyPass(w, r, req)
		return
	}
	writeResponse(w, resp, string(outcome))
}

func (s *Service) toRequest(r *http.Request) (*Request, error) {
	u, err := resolveAgainst(s.cfg.scope, r.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	req := &Request{
		Method:      r.Method,
		URL:         u,
		Header:      cloneHeader(r.Header),
		Destination: r.Header.Get("Sec-Fetch-Dest"),
		Mode:        r.Header.Get("Sec-Fetch-Mode"),
	}
	if req.Destination == "" && r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		req.Destination = DestinationDocument
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody))
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	return req, nil
}

// trackClient registers the browser session behind a navigation as a client
// view, issuing a session cookie the first time.
func (s *Service) trackClient(w http.ResponseWriter, r *http.Request, req *Request) {
	id := ""
	if c, err := r.Cookie(clientCookie); err == nil {
		id = c.Value
	}
	if id == "" {
		id = newClientID()
		http.SetCookie(w, &http.Cookie{Name: clientCookie, Value: id, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
	}
	req.ClientID = id
	version := ""
	if c := s.reg.Active(); c != nil {
		version = c.Version()
	}
	s.clients.Register(id, req.URL.String(), version)
}

func newClientID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "client-" + time.Now().UTC().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b[:])
}

// proxyPass performs default network handling for requests the controller
// did not intercept.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, req *Request) {
	resp, err := s.fetcher.Fetch(r.Context(), req)
	if err != nil {
		setSwcacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, resp, string(OutcomeBypass))
}

func writeResponse(w http.ResponseWriter, resp *Response, outcome string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "x-swcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSwcacheHeaders(w.Header(), outcome)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func setSwcacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Swcache", outcome)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, "X-Swcache")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	// Merge into a single comma-separated value.
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- admin ----

type controllerView struct {
	Version string `json:"version"`
	State   State  `json:"state"`
}

type stateView struct {
	Installing *controllerView `json:"installing,omitempty"`
	Waiting    *controllerView `json:"waiting,omitempty"`
	Active     *controllerView `json:"active,omitempty"`
	Stats      *statsSnapshot  `json:"stats,omitempty"`
}

func viewOf(c *Controller) *controllerView {
	if c == nil {
		return nil
	}
	return &controllerView{Version: c.Version(), State: c.State()}
}

func (s *Service) handleState(w http.ResponseWriter, _ *http.Request) {
	out := stateView{
		Installing: viewOf(s.reg.Installing()),
		Waiting:    viewOf(s.reg.Waiting()),
		Active:     viewOf(s.reg.Active()),
	}
	if c := s.reg.Active(); c != nil {
		ss := c.stats.Snapshot()
		out.Stats = &ss
	}
	writeJSON(w, http.StatusOK, out)
}

type BucketView struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Entries []string `json:"entries"`
}

func (s *Service) handleBuckets(w http.ResponseWriter, r *http.Request) {
	views, err := ListBuckets(r.Context(), s.storage, s.cfg.Cache.Name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// ListBuckets reports every bucket in creation order with its entry keys.
func ListBuckets(ctx context.Context, storage Storage, current string) ([]BucketView, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BucketView, 0, len(names))
	for _, name := range names {
		b, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := b.Keys(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, BucketView{Name: name, Current: name == current, Entries: keys})
	}
	return out, nil
}

func (s *Service) handleClients(w http.ResponseWriter, r *http.Request) {
	cs, err := s.clients.MatchAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Service) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.notifier.List())
}

// handleMessage delivers a client message. The HTTP exchange acts as the
// reply port: a reply becomes the response body, no reply is 204.
func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var m Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(&m); err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	port := make(ChanPort, 1)
	if err := s.reg.PostMessage(r.Context(), m, port); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	select {
	case reply := <-port:
		writeJSON(w, http.StatusOK, reply)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.reg.Deliver(context.Background(), &PushEvent{Data: b})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		http.Error(w, "missing tag", http.StatusBadRequest)
		return
	}
	s.reg.Deliver(context.Background(), &SyncEvent{Tag: tag})
	w.WriteHeader(http.StatusAccepted)
}

type notificationClick struct {
	Tag    string `json:"tag"`
	Action string `json:"action"`
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var in notificationClick
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(&in); err != nil {
		http.Error(w, "invalid click", http.StatusBadRequest)
		return
	}
	n := Notification{Tag: in.Tag}
	for _, shown := range s.notifier.List() {
		if shown.Tag == in.Tag {
			n = shown
			break
		}
	}
	s.reg.Deliver(context.Background(), &NotificationClickEvent{Notification: n, Action: in.Action})
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("write json failed")
	}
}

// ---- stats ----

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	c := s.reg.Active()
	if c == nil {
		return
	}
	ss := c.stats.Snapshot()
	fields := log.Fields{
		"hits":     ss.Hits,
		"misses":   ss.Misses,
		"network":  ss.Network,
		"fallback": ss.Fallbacks,
		"bypass":   ss.Bypassed,
		"offline":  ss.Offline,
		"resp":     formatBytes(ss.MinRespBytes) + "/" + formatBytes(ss.AvgRespBytes) + "/" + formatBytes(ss.MaxRespBytes),
	}
	mem, ok := readMemoryUsage()
	if ok {
		fields["rss"] = formatBytes(mem.RSS)
	}
	log.WithFields(fields).Info("stats")

	if ok && mem.Rollup != nil {
		log.Debugf("smaps: %s", formatSmapsRollup(mem.Rollup))
	}
}

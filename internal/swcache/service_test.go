package swcache

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type origin struct {
	*httptest.Server

	mu   sync.Mutex
	hits map[string]int
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{hits: map[string]int{}}
	mux := http.NewServeMux()
	page := func(body, ctype string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			o.mu.Lock()
			o.hits[r.Method+" "+r.URL.Path]++
			o.mu.Unlock()
			w.Header().Set("Content-Type", ctype)
			_, _ = io.WriteString(w, body)
		}
	}
	mux.HandleFunc("GET /{$}", page("<html>home</html>", "text/html"))
	mux.HandleFunc("GET /index.html", page("<html>shell</html>", "text/html"))
	mux.HandleFunc("GET /app.js", page("console.log(1)", "application/javascript"))
	mux.HandleFunc("GET /flaky", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("POST /api", func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits["POST /api"]++
		o.mu.Unlock()
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("echo:"), b...))
	})
	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func (o *origin) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

func newTestService(t *testing.T, o *origin) *Service {
	t.Helper()
	cfg, err := ParseConfig([]byte(`
server:
  origin: ` + o.URL + `
cache:
  name: test-v1
  manifest: ["./", "./index.html"]
  exclude: ["PathPrefix(/camera)"]
notification:
  title: Flashlight
  tag: flashlight-notification
`))
	require.NoError(t, err)
	svc := newService(cfg, NewMemoryStorage(), o.Client())
	t.Cleanup(svc.Close)
	res := svc.Start(t.Context())
	require.NoError(t, res.Err)
	require.True(t, res.Warm)
	return svc
}

func do(t *testing.T, h http.Handler, method, target string, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServiceServesPrecachedShell(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)
	h := svc.Handler()
	require.Equal(t, 1, o.count("GET /index.html"))

	rec := do(t, h, http.MethodGet, "/index.html", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get("X-Swcache"))
	assert.Equal(t, "X-Swcache", rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
	assert.Equal(t, 1, o.count("GET /index.html"), "a hit never reaches the origin")
}

func TestServiceMissThenHit(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)
	h := svc.Handler()

	rec := do(t, h, http.MethodGet, "/app.js", "")
	assert.Equal(t, "miss", rec.Header().Get("X-Swcache"))
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	svc.Registration().Wait()

	rec = do(t, h, http.MethodGet, "/app.js", "")
	assert.Equal(t, "hit", rec.Header().Get("X-Swcache"))
	assert.Equal(t, "console.log(1)", rec.Body.String())
	assert.Equal(t, 1, o.count("GET /app.js"))
}

func TestServiceErrorStatusIsPassedThroughUncached(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)
	h := svc.Handler()

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodGet, "/flaky", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "network", rec.Header().Get("X-Swcache"))
	}
}

func TestServiceBypassesNonGet(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)

	rec := do(t, svc.Handler(), http.MethodPost, "/api", "ping")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bypass", rec.Header().Get("X-Swcache"))
	assert.Equal(t, "echo:ping", rec.Body.String())
	assert.Equal(t, 1, o.count("POST /api"))
}

func TestServiceBypassesExcludedPaths(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)

	rec := do(t, svc.Handler(), http.MethodGet, "/camera/feed", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "bypass", rec.Header().Get("X-Swcache"))
}

func TestServiceOffline(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)
	h := svc.Handler()
	o.Close()

	rec := do(t, h, http.MethodGet, "/settings", "", "Accept", "text/html,application/xhtml+xml")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fallback", rec.Header().Get("X-Swcache"))
	assert.Equal(t, "<html>shell</html>", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/missing.js", "", "Sec-Fetch-Dest", "script")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "offline", rec.Header().Get("X-Swcache"))

	rec = do(t, h, http.MethodGet, "/", "", "Sec-Fetch-Dest", "document", "Sec-Fetch-Mode", "navigate")
	assert.Equal(t, "hit", rec.Header().Get("X-Swcache"))
	assert.Equal(t, "<html>home</html>", rec.Body.String())
}

func TestServiceTracksNavigatingClients(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)
	h := svc.Handler()

	rec := do(t, h, http.MethodGet, "/", "", "Sec-Fetch-Dest", "document")
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, clientCookie, cookies[0].Name)

	// same session, new page
	do(t, h, http.MethodGet, "/index.html", "", "Sec-Fetch-Dest", "document", "Cookie", clientCookie+"="+cookies[0].Value)
	// subresources are not clients
	do(t, h, http.MethodGet, "/app.js", "")

	rec = do(t, h, http.MethodGet, "/_swcache/clients", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cs []Client
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cs))
	require.Len(t, cs, 1)
	assert.Equal(t, cookies[0].Value, cs[0].ID)
	assert.Equal(t, o.URL+"/index.html", cs[0].URL)
	assert.Equal(t, "test-v1", cs[0].Controller)
}

func TestServiceAdminState(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)
	h := svc.Handler()
	do(t, h, http.MethodGet, "/index.html", "")

	rec := do(t, h, http.MethodGet, "/_swcache/state", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "test-v1", gjson.Get(body, "active.version").String())
	assert.Equal(t, "active", gjson.Get(body, "active.state").String())
	assert.False(t, gjson.Get(body, "waiting").Exists())
	assert.Equal(t, int64(1), gjson.Get(body, "stats.hits").Int())
	assert.Equal(t, int64(len("<html>shell</html>")), gjson.Get(body, "stats.maxRespBytes").Int())
}

func TestServiceAdminBuckets(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)

	rec := do(t, svc.Handler(), http.MethodGet, "/_swcache/buckets", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var views []BucketView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "test-v1", views[0].Name)
	assert.True(t, views[0].Current)
	assert.ElementsMatch(t, []string{"GET " + o.URL + "/", "GET " + o.URL + "/index.html"}, views[0].Entries)
}

func TestServiceAdminMessage(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)
	h := svc.Handler()

	rec := do(t, h, http.MethodPost, "/_swcache/message", `{"type":"GET_VERSION"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	reply := gjson.ParseBytes(rec.Body.Bytes())
	assert.Equal(t, MessageVersion, reply.Get("type").String())
	assert.Equal(t, "test-v1", reply.Get("version").String())
	assert.Equal(t, "active", reply.Get("state").String())

	rec = do(t, h, http.MethodPost, "/_swcache/message", `{"type":"PING"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodPost, "/_swcache/message", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceAdminPushAndClick(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)
	h := svc.Handler()

	rec := do(t, h, http.MethodPost, "/_swcache/push", "battery low")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	svc.Registration().Wait()

	rec = do(t, h, http.MethodGet, "/_swcache/notifications", "")
	var shown []Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shown))
	require.Len(t, shown, 1)
	assert.Equal(t, "Flashlight", shown[0].Title)
	assert.Equal(t, "battery low", shown[0].Body)

	rec = do(t, h, http.MethodPost, "/_swcache/notificationclick", `{"tag":"flashlight-notification"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	svc.Registration().Wait()

	rec = do(t, h, http.MethodGet, "/_swcache/notifications", "")
	shown = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shown))
	assert.Empty(t, shown)

	rec = do(t, h, http.MethodGet, "/_swcache/clients", "")
	var cs []Client
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cs))
	require.Len(t, cs, 1)
	assert.Equal(t, o.URL+"/", cs[0].URL)
	assert.True(t, cs[0].Focused)
}

func TestServiceAdminSync(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)
	h := svc.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/_swcache/sync", "").Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/_swcache/sync?tag=background-sync", "").Code)
	svc.Registration().Wait()
}

func TestServiceAdminUnknownEndpoint(t *testing.T) {
	o := newOrigin(t)
	svc := newTestService(t, o)

	rec := do(t, svc.Handler(), http.MethodGet, "/_swcache/nope", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Swcache"))
}

func TestEnsureExposedHeader(t *testing.T) {
	tests := []struct {
		name string
		cur  []string
		want string
	}{
		{name: "empty", want: "X-Swcache"},
		{name: "append", cur: []string{"ETag"}, want: "ETag, X-Swcache"},
		{name: "merge values", cur: []string{"ETag", "Age"}, want: "ETag,Age, X-Swcache"},
		{name: "already present", cur: []string{"etag, x-swcache"}, want: "etag, x-swcache"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tt.cur {
				h.Add("Access-Control-Expose-Headers", v)
			}
			ensureExposedHeader(h, "X-Swcache")
			assert.Equal(t, tt.want, h.Get("Access-Control-Expose-Headers"))
		})
	}
}

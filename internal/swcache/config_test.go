package swcache

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigFlashlightPreset(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
preset: flashlight
server:
  origin: https://flashlight.example/
`))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://flashlight.example", cfg.Server.Origin)
	assert.Equal(t, "https://flashlight.example/", cfg.Scope().String())
	assert.Equal(t, "flashlight-pwa-v1.0.0", cfg.Cache.Name)
	assert.Equal(t, "./index.html", cfg.Cache.Fallback)
	assert.Equal(t, []string{
		"./", "./index.html", "./manifest.json",
		"./icon-72x72.png", "./icon-96x96.png", "./icon-128x128.png", "./icon-144x144.png",
		"./icon-152x152.png", "./icon-192x192.png", "./icon-384x384.png", "./icon-512x512.png",
		"./favicon.ico",
	}, cfg.Cache.Manifest)
	assert.Equal(t, "Flashlight", cfg.Notification.Title)
	assert.Equal(t, "flashlight-notification", cfg.Notification.Tag)
	assert.Equal(t, []int{200, 100, 200}, cfg.Notification.Vibrate)
	assert.Empty(t, cfg.Notification.Actions)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParseConfigCatEarPreset(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
preset: catear
server:
  origin: http://localhost:3000
notification:
  title: Custom
`))
	require.NoError(t, err)

	assert.Equal(t, "cat-ear-light-pwa-v1.0.0", cfg.Cache.Name)
	assert.Equal(t, "Custom", cfg.Notification.Title, "explicit fields win over the preset")
	assert.Equal(t, "cat-ear-light-notification", cfg.Notification.Tag)
	assert.Equal(t, []NotificationAction{
		{Action: ActionOpen, Title: "Open"},
		{Action: ActionClose, Title: "Close"},
	}, cfg.Notification.Actions)

	cc := cfg.ControllerConfig()
	assert.Equal(t, "cat-ear-light-pwa-v1.0.0", cc.BucketName)
	assert.Equal(t, "http://localhost:3000/", cc.Scope.String())
	assert.Len(t, cc.Manifest, 12)
}

func TestParseConfigPresetExclusions(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
preset: flashlight
server:
  origin: https://flashlight.example
`))
	require.NoError(t, err)

	tests := []struct {
		raw  string
		want bool
	}{
		{raw: "https://flashlight.example/index.html", want: false},
		{raw: "https://flashlight.example/camera/track", want: true},
		{raw: "https://flashlight.example/api?kind=MediaStream", want: true},
		{raw: "blob:https://flashlight.example/5a1c", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Excluded(u))
			assert.Equal(t, tt.want, cfg.ControllerConfig().Exclude(u))
		})
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	t.Setenv("SWCACHE_ORIGIN", "https://env.example")
	t.Setenv("SWCACHE_PORT", "9090")
	t.Setenv("SWCACHE_CACHE_NAME", "flashlight-pwa-v2.0.0")
	t.Setenv("SWCACHE_STORAGE_DRIVER", "leveldb")
	t.Setenv("SWCACHE_LOG_LEVEL", "debug")

	cfg, err := ParseConfig([]byte(`
preset: flashlight
server:
  origin: https://file.example
  port: 8081
`))
	require.NoError(t, err)

	assert.Equal(t, "https://env.example", cfg.Server.Origin)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "flashlight-pwa-v2.0.0", cfg.Cache.Name)
	assert.Equal(t, DriverLevelDB, cfg.Storage.Driver)
	assert.Equal(t, "./data/leveldb", cfg.Storage.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParseConfigDurations(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: https://app.test
  timeout: 5s
cache:
  name: v1
  manifest: ["./"]
logging:
  logStatsEvery: 1m
`))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.timeoutDur)
	assert.Equal(t, time.Minute, cfg.Logging.logStatsEveryDur)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing origin",
			yaml: "cache: {name: v1, manifest: [./]}",
			want: "server.origin is required",
		},
		{
			name: "bad scheme",
			yaml: "server: {origin: ftp://x}\ncache: {name: v1, manifest: [./]}",
			want: "scheme must be http or https",
		},
		{
			name: "missing name",
			yaml: "server: {origin: https://x}\ncache: {manifest: [./]}",
			want: "cache.name is required",
		},
		{
			name: "empty manifest",
			yaml: "server: {origin: https://x}\ncache: {name: v1}",
			want: "cache.manifest is empty",
		},
		{
			name: "unknown preset",
			yaml: "preset: torch\nserver: {origin: https://x}",
			want: "unknown preset",
		},
		{
			name: "bad exclude",
			yaml: "server: {origin: https://x}\ncache: {name: v1, manifest: [./], exclude: ['Regex(.*)']}",
			want: "cache.exclude[0]",
		},
		{
			name: "redis without url",
			yaml: "server: {origin: https://x}\ncache: {name: v1, manifest: [./]}\nstorage: {driver: redis}",
			want: "storage.redisURL is required",
		},
		{
			name: "unknown driver",
			yaml: "server: {origin: https://x}\ncache: {name: v1, manifest: [./]}\nstorage: {driver: bolt}",
			want: "unknown driver",
		},
		{
			name: "bad timeout",
			yaml: "server: {origin: https://x, timeout: soon}\ncache: {name: v1, manifest: [./]}",
			want: "server.timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("preset: catear\nserver: {origin: https://cat.example}\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "cat-ear-light-pwa-v1.0.0", cfg.Cache.Name)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseMatch(t *testing.T) {
	tests := []struct {
		expr    string
		url     string
		want    bool
		wantErr bool
	}{
		{expr: "PathPrefix(/api)", url: "https://x/api/v1", want: true},
		{expr: "PathPrefix(/api)", url: "https://x/static/api", want: false},
		{expr: "Contains(Camera)", url: "https://x/CAMERA", want: true},
		{expr: "Scheme(blob)", url: "blob:https://x/1", want: true},
		{expr: "Scheme(blob)", url: "https://x/blob", want: false},
		{expr: "PathPrefix(/a)|Contains(zz)", url: "https://x/b?q=zz", want: true},
		{expr: "", wantErr: true},
		{expr: "PathPrefix(api)", wantErr: true},
		{expr: "Contains()", wantErr: true},
		{expr: "Host(x)", wantErr: true},
		{expr: "Contains(x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.expr+" "+tt.url, func(t *testing.T) {
			ms, err := parseMatch(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			got := false
			for _, m := range ms {
				got = got || m.Match(u)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

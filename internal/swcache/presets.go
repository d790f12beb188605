package swcache

import "fmt"

type preset struct {
	name         string
	manifest     []string
	exclude      []string
	notification NotificationConfig
}

var pwaIcons = []string{
	"./icon-72x72.png",
	"./icon-96x96.png",
	"./icon-128x128.png",
	"./icon-144x144.png",
	"./icon-152x152.png",
	"./icon-192x192.png",
	"./icon-384x384.png",
	"./icon-512x512.png",
}

func pwaManifest() []string {
	out := []string{"./", "./index.html", "./manifest.json"}
	out = append(out, pwaIcons...)
	return append(out, "./favicon.ico")
}

var defaultExclude = []string{"Contains(camera)|Contains(mediastream)|Scheme(blob)"}

var presets = map[string]preset{
	"flashlight": {
		name:     "flashlight-pwa-v1.0.0",
		manifest: pwaManifest(),
		exclude:  defaultExclude,
		notification: NotificationConfig{
			Title:   "Flashlight",
			Icon:    "./icon-192x192.png",
			Badge:   "./icon-72x72.png",
			Tag:     "flashlight-notification",
			Vibrate: []int{200, 100, 200},
		},
	},
	"catear": {
		name:     "cat-ear-light-pwa-v1.0.0",
		manifest: pwaManifest(),
		exclude:  defaultExclude,
		notification: NotificationConfig{
			Title:   "Cat Ear Light",
			Icon:    "./icon-192x192.png",
			Badge:   "./icon-72x72.png",
			Tag:     "cat-ear-light-notification",
			Vibrate: []int{200, 100, 200},
			Actions: []NotificationAction{
				{Action: ActionOpen, Title: "Open"},
				{Action: ActionClose, Title: "Close"},
			},
		},
	},
}

// applyPreset fills fields the file left empty.
func (cfg *Config) applyPreset() error {
	if cfg.Preset == "" {
		return nil
	}
	p, ok := presets[cfg.Preset]
	if !ok {
		return fmt.Errorf("preset: unknown preset %q", cfg.Preset)
	}
	if cfg.Cache.Name == "" {
		cfg.Cache.Name = p.name
	}
	if len(cfg.Cache.Manifest) == 0 {
		cfg.Cache.Manifest = append([]string(nil), p.manifest...)
	}
	if cfg.Cache.Exclude == nil {
		cfg.Cache.Exclude = append([]string(nil), p.exclude...)
	}

	n := &cfg.Notification
	if n.Title == "" {
		n.Title = p.notification.Title
	}
	if n.Icon == "" {
		n.Icon = p.notification.Icon
	}
	if n.Badge == "" {
		n.Badge = p.notification.Badge
	}
	if n.Tag == "" {
		n.Tag = p.notification.Tag
	}
	if n.Vibrate == nil {
		n.Vibrate = append([]int(nil), p.notification.Vibrate...)
	}
	if n.Actions == nil {
		n.Actions = append([]NotificationAction(nil), p.notification.Actions...)
	}
	return nil
}

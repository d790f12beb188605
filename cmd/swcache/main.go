package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/urfave/cli/v3"

	"swcache/internal/swcache"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "swcache",
		Usage: "cache-first offline proxy for small PWAs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/swcache.yaml",
				Usage:   "path to swcache.yaml",
				Sources: cli.EnvVars("SWCACHE_CONFIG"),
			},
		},
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "install the configured version and serve requests cache-first",
				Action: serve,
			},
			{
				Name:   "install",
				Usage:  "pre-populate the configured bucket from the manifest and exit",
				Action: install,
			},
			{
				Name:   "buckets",
				Usage:  "list cache buckets and their entries",
				Action: buckets,
			},
			{
				Name:   "prune",
				Usage:  "delete every bucket except the configured one",
				Action: prune,
			},
		},
	}
}

func loadConfig(cmd *cli.Command) (swcache.Config, error) {
	cfg, err := swcache.LoadConfig(cmd.String("config"))
	if err != nil {
		return swcache.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := swcache.InitLogger(os.Stderr, cfg.Logging.Level); err != nil {
		return swcache.Config{}, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	svc, err := swcache.NewService(cfg)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	if res := svc.Start(ctx); res.Err != nil {
		log.WithError(res.Err).Warn("starting with a cold cache")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"addr": addr, "origin": cfg.Server.Origin, "bucket": cfg.Cache.Name}).Info("swcache listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openHost(cfg swcache.Config) (swcache.Host, error) {
	storage, err := swcache.OpenStorage(cfg)
	if err != nil {
		return swcache.Host{}, err
	}
	return swcache.Host{
		Storage: storage,
		Fetcher: &swcache.HTTPFetcher{Client: swcache.NewHTTPClient(cfg.FetchTimeout()), Scope: cfg.Scope()},
	}, nil
}

func install(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	host, err := openHost(cfg)
	if err != nil {
		return err
	}
	defer host.Storage.Close()

	res := swcache.NewController(cfg.ControllerConfig(), host).Install(ctx)
	if res.Err != nil {
		return res.Err
	}
	fmt.Printf("%s: %d entries\n", res.Bucket, res.Entries)
	return nil
}

func buckets(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	storage, err := swcache.OpenStorage(cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	views, err := swcache.ListBuckets(ctx, storage, cfg.Cache.Name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

func prune(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	host, err := openHost(cfg)
	if err != nil {
		return err
	}
	defer host.Storage.Close()

	pruned, err := swcache.NewController(cfg.ControllerConfig(), host).Activate(ctx)
	if err != nil {
		return err
	}
	for _, name := range pruned {
		fmt.Println(name)
	}
	return nil
}

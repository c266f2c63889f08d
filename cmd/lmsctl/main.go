// Command lmsctl signs in to the course platform and issues authenticated
// requests through lmsclient.
//
// Usage:
//
//	lmsctl [--config path] <command> [flags]
//
// Commands: login, logout, status, profile, get, watch.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/d-kuro/lmsclient"
	"github.com/d-kuro/lmsclient/internal/config"
	"github.com/d-kuro/lmsclient/pkg/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lmsctl: %v\n", err)
		os.Exit(1)
	}
	log := setupLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.WithError(err).Error("command failed")
		cancel()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: lmsctl [--config path] <login|logout|status|profile|get|watch> [flags]\n")
	flag.PrintDefaults()
}

func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, cmd string, args []string) error {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	opts := []lmsclient.ConfigOption{
		lmsclient.WithBaseURL(cfg.BaseURL),
		lmsclient.WithTimeout(cfg.Timeout),
		lmsclient.WithStore(store),
		lmsclient.WithCache(!cfg.Cache.Disabled),
		lmsclient.WithMinRefreshInterval(cfg.Refresh.MinInterval),
		lmsclient.WithRefreshTiming(cfg.Refresh.CheckInterval, cfg.Refresh.LeadTime),
		lmsclient.WithLogger(log),
		lmsclient.WithMetrics(reg),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, lmsclient.WithUserAgent(cfg.UserAgent))
	}

	client, err := lmsclient.NewClient(opts...)
	if err != nil {
		return err
	}

	switch cmd {
	case "login":
		return login(ctx, client, args)
	case "logout":
		return client.Logout(ctx)
	case "status":
		status, err := client.GetAuthStatus(ctx)
		if err != nil {
			return err
		}
		return printJSON(status)
	case "profile":
		return profile(ctx, client, args)
	case "get":
		return get(ctx, client, args)
	case "watch":
		return watch(ctx, client, cfg, log, reg)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	noop := func() {}
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(cfg.Storage.Quota), noop, nil
	case config.BackendSQLite:
		s, err := storage.NewSQLiteStore(ctx, cfg.Storage.Path, cfg.Storage.Quota)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.BackendRedis:
		s, err := storage.NewRedisStore(ctx, cfg.Storage.RedisURL, cfg.Storage.Prefix)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := storage.NewFileSystemStore(cfg.Storage.Dir, cfg.Storage.Quota)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	}
}

func login(ctx context.Context, client *lmsclient.Client, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	username := fs.String("username", os.Getenv("LMS_USERNAME"), "account name")
	password := fs.String("password", "", "password (defaults to $LMS_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		*password = os.Getenv("LMS_PASSWORD")
	}
	if *username == "" || *password == "" {
		return errors.New("login requires --username and --password")
	}

	if err := client.Login(ctx, *username, *password); err != nil {
		return err
	}
	p, err := client.Profile().Fetch(ctx, true)
	if err != nil {
		return err
	}
	fmt.Printf("signed in as %s\n", p.FullName())
	return nil
}

func profile(ctx context.Context, client *lmsclient.Client, args []string) error {
	fs := flag.NewFlagSet("profile", flag.ContinueOnError)
	force := fs.Bool("force", false, "bypass the cached profile")
	email := fs.String("email", "", "change the account email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *email != "" {
		p, err := client.Profile().UpdateEmail(ctx, *email)
		if err != nil {
			return err
		}
		return printJSON(p)
	}

	p, err := client.Profile().Fetch(ctx, *force)
	if err != nil {
		return err
	}
	return printJSON(p)
}

func get(ctx context.Context, client *lmsclient.Client, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	query := fs.String("query", "", "URL-encoded query string")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("get requires exactly one path")
	}

	values, err := url.ParseQuery(*query)
	if err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}

	var out json.RawMessage
	if err := client.Get(ctx, fs.Arg(0), values, &out); err != nil {
		return err
	}
	return printJSON(out)
}

// watch keeps the session alive and serves metrics until interrupted.
func watch(ctx context.Context, client *lmsclient.Client, cfg *config.Config, log *logrus.Logger, reg *prometheus.Registry) error {
	ok, err := client.Ready(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("not signed in, run lmsctl login first")
	}

	reg.MustRegister(collectors.NewGoCollector())

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !client.IsAuthenticated(r.Context()) {
			http.Error(w, "signed out", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	client.StartTokenWatcher(ctx)
	defer client.StopTokenWatcher()
	log.WithField("addr", cfg.Metrics.Addr).Info("watching session")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

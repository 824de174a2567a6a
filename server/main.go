package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/zhaobenny/haikugate/internal/app"
	"github.com/zhaobenny/haikugate/internal/config"
	"github.com/zhaobenny/haikugate/internal/observability"
	"github.com/zhaobenny/haikugate/server/internal/auth"
	"github.com/zhaobenny/haikugate/server/internal/database"
	"github.com/zhaobenny/haikugate/server/internal/handlers"
	"github.com/zhaobenny/haikugate/server/internal/middleware"
)

const (
	version       = "0.1.0"
	pruneInterval = time.Hour
	flushDelay    = 30 * time.Second
)

func main() {
	args := os.Args[1:]

	var command, keysCommand string
	if len(args) > 0 {
		switch args[0] {
		case "run", "install", "start", "stop", "uninstall", "status", "hash-token":
			command = args[0]
			args = args[1:]
		case "keys":
			command = "keys"
			args = args[1:]
			if len(args) > 0 {
				keysCommand, args = args[0], args[1:]
			}
		}
	}

	fs := flag.NewFlagSet("haikugate-server", flag.ExitOnError)
	var (
		configPath string
		showVer    bool
	)
	fs.StringVar(&configPath, "config", getEnv("HAIKUGATE_CONFIG", ""), "Path to YAML config file")
	fs.BoolVar(&showVer, "version", false, "Show version")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `haikugate-server - quota-gated haiku generation API

Usage: haikugate-server [command] [options]

Commands:
  (none), run   Run the server in the foreground
  install       Install as a system service
  start         Start the system service
  stop          Stop the system service
  uninstall     Remove the system service
  status        Show service status
  hash-token    Print the bcrypt hash of an admin token read from stdin
  keys create <name>   Create an API key
  keys list            List API keys
  keys revoke <name>   Delete an API key

Options:
`)
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if showVer {
		fmt.Printf("haikugate-server version %s\n", version)
		return
	}

	if command == "hash-token" {
		runHashToken()
		return
	}
	if command == "keys" {
		runKeys(keysCommand, configPath, fs.Args())
		return
	}

	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err == nil {
			configPath = abs
		}
	}

	svcArgs := []string{"run"}
	if configPath != "" {
		svcArgs = append(svcArgs, "--config="+configPath)
	}
	prg := &program{configPath: configPath}
	s, err := service.New(prg, &service.Config{
		Name:        "haikugate",
		DisplayName: "haikugate API",
		Description: "Serves and generates haikus under a generation quota",
		Arguments:   svcArgs,
	})
	if err != nil {
		fatal("Failed to create service", err)
	}

	switch command {
	case "install":
		if err := s.Install(); err != nil {
			fatal("Failed to install service", err)
		}
		fmt.Println("Service installed.")
	case "start":
		if err := s.Start(); err != nil {
			fatal("Failed to start service", err)
		}
		fmt.Println("Service started.")
	case "stop":
		if err := s.Stop(); err != nil {
			fatal("Failed to stop service", err)
		}
		fmt.Println("Service stopped.")
	case "uninstall":
		s.Stop() // ignore error
		if err := s.Uninstall(); err != nil {
			fatal("Failed to uninstall service", err)
		}
		fmt.Println("Service uninstalled.")
	case "status":
		status, err := s.Status()
		switch {
		case err != nil:
			fmt.Printf("Service status: not installed or error (%v)\n", err)
		case status == service.StatusRunning:
			fmt.Println("Service status: running")
		case status == service.StatusStopped:
			fmt.Println("Service status: stopped")
		default:
			fmt.Println("Service status: unknown")
		}
	default:
		if err := s.Run(); err != nil {
			fatal("Server failed", err)
		}
	}
}

// program implements service.Interface
type program struct {
	configPath string

	logger   *slog.Logger
	db       *database.DB
	srv      *http.Server
	flusher  *handlers.FlushDebouncer
	app      *app.App
	tracing  func(context.Context) error
	stop     chan struct{}
	finished chan struct{}
}

func (p *program) Start(svc service.Service) error {
	cfg, err := config.Load(p.configPath)
	if err != nil {
		return err
	}
	p.logger = observability.NewLogger(os.Stderr, cfg.Level(), true)
	slog.SetDefault(p.logger)

	if cfg.Tracing.Stdout {
		p.tracing, err = observability.SetupTracing(os.Stdout)
		if err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.New(reg)

	p.db, err = database.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := p.db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	p.app, err = app.Build(cfg, app.Deps{Logger: p.logger, Metrics: metrics, Events: p.db})
	if err != nil {
		return err
	}

	// Session manager backs the per-session quota subject
	sessionMgr := scs.New()
	sessionMgr.Store = sqlite3store.New(p.db.DB)
	sessionMgr.Lifetime = cfg.Session.Lifetime
	sessionMgr.Cookie.Secure = cfg.Session.SecureCookie
	sessionMgr.Cookie.SameSite = http.SameSiteLaxMode

	authMw := auth.NewMiddleware(p.db, cfg.Admin.APIKeys, cfg.Admin.TokenHash, sessionMgr, p.logger)
	p.flusher = handlers.NewFlushDebouncer(p.app.Store, flushDelay, p.logger)
	h := handlers.New(p.app, p.db, authMw, p.flusher)

	limiter := middleware.NewIPRateLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)

	// Logging wraps the mux directly so the matched route pattern is visible
	var handler http.Handler = middleware.Logging(p.logger, metrics)(h.Routes())
	handler = sessionMgr.LoadAndSave(handler)
	handler = limiter.Limit(handler)
	handler = middleware.SecurityHeaders(handler)
	handler = middleware.RequestID(handler)

	p.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.stop = make(chan struct{})
	p.finished = make(chan struct{})

	go p.prune()
	go func() {
		p.logger.Info("starting haikugate-server",
			"addr", cfg.Listen,
			"db", cfg.DBPath,
			"store", cfg.StorePath,
			"generation", p.app.Orchestrator.CanGenerate(),
		)
		if err := p.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()
	return nil
}

// prune drops expired quota events until Stop
func (p *program) prune() {
	defer close(p.finished)
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			err := errors.Join(p.app.Daily.Prune(ctx), p.app.PerKey.Prune(ctx))
			cancel()
			if err != nil {
				p.logger.Warn("quota prune failed", "error", err)
			}
		case <-p.stop:
			return
		}
	}
}

func (p *program) Stop(svc service.Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	close(p.stop)
	<-p.finished

	err := p.srv.Shutdown(ctx)
	if ferr := p.flusher.Stop(); ferr != nil {
		p.logger.Error("final artifact flush failed", "error", ferr)
	}
	if p.tracing != nil {
		err = errors.Join(err, p.tracing(ctx))
	}
	err = errors.Join(err, p.db.Close())
	p.logger.Info("haikugate-server stopped")
	return err
}

func runHashToken() {
	var token string
	if _, err := fmt.Fscanln(os.Stdin, &token); err != nil || token == "" {
		fmt.Fprintln(os.Stderr, "Error: expected the admin token on stdin")
		os.Exit(1)
	}
	hash, err := auth.HashPassword(token)
	if err != nil {
		fatal("Failed to hash token", err)
	}
	fmt.Println(hash)
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

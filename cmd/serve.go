package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v3"

	"github.com/cockpit-ws/cockpitwsd/pkg/config"
	wslog "github.com/cockpit-ws/cockpitwsd/pkg/log"
	"github.com/cockpit-ws/cockpitwsd/pkg/resource"
	"github.com/cockpit-ws/cockpitwsd/pkg/session"
	"github.com/cockpit-ws/cockpitwsd/pkg/webserver"
)

var log = wslog.ForService("daemon")

// ServeCommand creates the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the WebSocket gateway daemon",
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"), c.Bool("debug"))
		},
	}
}

// serve loads cfg, starts the Web Listener, and blocks until SIGINT/SIGTERM
// or an unrecoverable listener error (spec.md §3's component wiring: C in
// front of D and E, one gateway resolving both against the same session
// pool).
func serve(ctx context.Context, configPath string, debug bool) error {
	applyLog := func(cfg *config.Config) {
		if debug {
			cfg.GlobalDebug = true
		}
		applyLogConfig(cfg)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyLog(cfg)

	gw := newGateway(cfg)

	ln, err := newListener(cfg, gw)
	if err != nil {
		return fmt.Errorf("starting web listener: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	watcher, watchErr := fsnotify.NewWatcher()
	if watchErr != nil {
		log.Warnf("config file watcher unavailable: %v", watchErr)
	} else {
		defer watcher.Close()
		if err := watcher.Add(configPath); err != nil {
			log.Warnf("watching config file %s: %v", configPath, err)
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- ln.Serve() }()

	log.Infof("cockpitwsd listening on %s", ln.Addr())

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Infof("received SIGHUP, reloading logging configuration")
				if reloaded, err := config.LoadConfig(configPath); err != nil {
					log.Warnf("reloading config: %v", err)
				} else {
					cfg = reloaded
					applyLog(cfg)
				}
			default:
				log.Infof("shutting down")
				return ln.Close()
			}

		case event, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				time.Sleep(100 * time.Millisecond)
				if reloaded, err := config.LoadConfig(configPath); err != nil {
					log.Warnf("reloading config after file change: %v", err)
				} else {
					cfg = reloaded
					applyLog(cfg)
					log.Infof("logging configuration reloaded")
				}
			}

		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("web listener: %w", err)
			}
			return nil
		}
	}
}

// watcherEvents lets the select above treat a nil watcher (fsnotify
// unavailable) the same as one whose channel is never signaled.
func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func applyLogConfig(cfg *config.Config) {
	wslog.SetGlobalDebug(cfg.GlobalDebug)
	for _, svc := range cfg.DebugServices {
		wslog.EnableDebugFor(svc)
	}
	if cfg.LogFile == "" {
		return
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Warnf("opening log file %s: %v", cfg.LogFile, err)
		return
	}
	wslog.SetOutput(f)
}

// newListener assembles the webserver.Listener, wiring the WebSocket
// upgrade path and the resource fetcher in front of the static file
// handler (spec.md §4.C's two-tier dispatch: a StreamHandler claims
// upgrades outright, a ResourceHandler answers everything else).
func newListener(cfg *config.Config, gw *gateway) (*webserver.Listener, error) {
	var tlsConfig *tls.Config
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	fetcher := resource.New(gw.sessionResolver())
	staticHandler := webserver.StaticHandler(cfg.DocumentRoots)

	resourceHandler := func(w webserver.ResponseWriter, req *webserver.Request) {
		if isCockpitResourcePath(req.Path) {
			fetcher.Handle(w, req)
			return
		}
		staticHandler(w, req)
	}

	return webserver.New(webserver.Config{
		ListenAddress:            cfg.ListenAddress,
		TLSConfig:                tlsConfig,
		SSLExceptionPrefix:       cfg.SSLExceptionPrefix,
		RequestInactivityTimeout: cfg.RequestInactivityTimeout.Duration,
		MaxRequestHeaderBytes:    cfg.MaxRequestHeaderBytes,
		DocumentRoots:            cfg.DocumentRoots,
		StreamHandler:            session.GatewayHandler(gw.resolve),
		ResourceHandler:          resourceHandler,
	})
}

// isCockpitResourcePath reports whether path belongs to the Resource
// Fetcher's URL space rather than a plain static asset (spec.md §4.E).
func isCockpitResourcePath(path string) bool {
	return path == "/cockpit" || len(path) >= len("/cockpit/") && path[:len("/cockpit/")] == "/cockpit/"
}

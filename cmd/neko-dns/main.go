// Command neko-dns is a caching DNS resolver with recursive resolution,
// parallel upstream forwarding, adaptive TTLs, and a JSON observability
// surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/nekoy3/neko-dns/config"
	"github.com/nekoy3/neko-dns/engine"
	"github.com/nekoy3/neko-dns/web"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 bind or runtime
// failure after a restart attempt.
const (
	exitOK     = 0
	exitConfig = 1
	exitFatal  = 2
)

var listenerRestartDelay = time.Second

// serveWithRestart runs start and, when it fails, restarts it once after a
// short delay. The second failure is returned; cancellation ends the loop
// cleanly.
func serveWithRestart(ctx context.Context, log logrus.FieldLogger, name string, start func() error) error {
	for attempt := 0; ; attempt++ {
		err := start()
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if attempt >= 1 {
			return fmt.Errorf("%s listener: %w", name, err)
		}
		log.WithError(err).WithField("listener", name).Warn("listener failed, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(listenerRestartDelay):
		}
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Error("configuration load failed")
			return exitConfig
		}
		cfg = loaded
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	e, err := engine.New(cfg, log)
	if err != nil {
		log.WithError(err).Error("engine init failed")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	e.Warmup(warmCtx)
	cancel()
	e.Background(ctx)

	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)

	// Live servers per transport, replaced on restart, drained on shutdown.
	var srvMu sync.Mutex
	servers := make(map[string]*dns.Server)

	errCh := make(chan error, 3)
	serveDNS := func(netname string) {
		go func() {
			errCh <- serveWithRestart(ctx, log, netname, func() error {
				srv := &dns.Server{Addr: listen, Net: netname, Handler: e, ReusePort: netname == "udp"}
				srvMu.Lock()
				servers[netname] = srv
				srvMu.Unlock()
				return srv.ListenAndServe()
			})
		}()
	}
	serveDNS("udp")
	serveDNS("tcp")
	log.WithField("addr", listen).Info("dns listeners started")

	if cfg.Web.Enabled {
		ws := web.NewServer(e, log)
		go func() { errCh <- ws.ListenAndServe(web.Addr(cfg.Web.Port)) }()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srvMu.Lock()
		for _, srv := range servers {
			_ = srv.ShutdownContext(shutdownCtx)
		}
		srvMu.Unlock()
		return exitOK
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("listener failed")
			return exitFatal
		}
		return exitOK
	}
}

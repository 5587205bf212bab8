// Command cn360-proxy is the process entrypoint: it wires configuration,
// logging, persistence, the three-leg bridge, and the HTTP interception
// hooks together and starts serving. Construct-then-serve, in the
// teacher's cmd/proxy/main.go style.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elazarl/goproxy"
	logging "github.com/op/go-logging"

	"github.com/cavefire/cn360-proxy/internal/bridge"
	"github.com/cavefire/cn360-proxy/internal/certs"
	"github.com/cavefire/cn360-proxy/internal/config"
	"github.com/cavefire/cn360-proxy/internal/egress"
	"github.com/cavefire/cn360-proxy/internal/healthz"
	"github.com/cavefire/cn360-proxy/internal/intercept"
	"github.com/cavefire/cn360-proxy/internal/logsetup"
	"github.com/cavefire/cn360-proxy/internal/resolver"
	"github.com/cavefire/cn360-proxy/internal/store"
)

var log = logging.MustGetLogger("mitm")

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.MustGetLogger("config").Fatalf("failed to load configuration: %v", err)
	}

	if err := logsetup.Configure(cfg.LogPath); err != nil {
		logging.MustGetLogger("mitm").Fatalf("failed to configure logging: %v", err)
	}

	log.Info("starting cn360-proxy")

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	st := store.New("")
	res := resolver.New()
	guard := egress.NewGuard()

	br := bridge.New(bridge.Config{
		RobotHost:        cfg.LocalProxyBindIP,
		RobotPort:        cfg.RobotPort,
		LocalControlHost: cfg.LocalControlHost,
		LocalControlPort: cfg.LocalControlPort,
		MapIntv:          cfg.MapIntv,
		PathIntv:         cfg.PathIntv,
		StatusIntv:       cfg.StatusIntv,
	}, st, res, guard)

	if err := br.Start(); err != nil {
		log.Fatalf("failed to start bridge: %v", err)
	}

	caCert, err := certs.LoadOrGenerateCA(cfg.DataPath)
	if err != nil {
		log.Fatalf("failed to load or generate MITM CA: %v", err)
	}
	caPEM, err := certs.PEM(caCert)
	if err != nil {
		log.Fatalf("failed to encode MITM CA: %v", err)
	}

	hooks := intercept.New(br, st, intercept.Config{
		LocalProxyIP: cfg.LocalProxyRewriteIP,
		RobotPort:    cfg.RobotPort,
		CacheStatic:  cfg.CacheStatic,
		DataPath:     cfg.DataPath,
		BlockUpdate:  cfg.BlockUpdate,
		MapIntv:      cfg.MapIntv,
		PathIntv:     cfg.PathIntv,
		StatusIntv:   cfg.StatusIntv,
	}, caCert, caPEM)

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false
	hooks.Register(proxy)

	mitmServer := &http.Server{Addr: cfg.MitmListenAddr, Handler: proxy}
	go func() {
		log.Infof("HTTP interception listening on %s", cfg.MitmListenAddr)
		if err := mitmServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("interception server error: %v", err)
		}
	}()

	health := healthz.New(":8081", br)
	health.Start()
	health.SetReady(true)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mitmServer.Shutdown(ctx)
	health.Stop(ctx)
	br.Stop()
}

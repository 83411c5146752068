// Command tenappd runs one framework app as an OS service (systemd,
// launchd, or a Windows service) or in the foreground. It loads the app
// property bag from a YAML config file, binds the app's URI, serves the
// health endpoint, auto-starts predefined graphs, and exits when the last
// graph ends unless long_running_mode is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"goa.design/clue/log"

	"github.com/dataflowrt/core/app"
	"github.com/dataflowrt/core/config"
	"github.com/dataflowrt/core/control"
	"github.com/dataflowrt/core/telemetry"
)

type program struct {
	cfgPath string

	ctx    context.Context
	cancel context.CancelFunc

	app    *app.App
	ctl    *control.Controller
	worker worker.Worker
	closer []func()
}

// Start implements service.Interface: it must not block.
func (p *program) Start(service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.run()
	return nil
}

// Stop implements service.Interface.
func (p *program) Stop(service.Service) error {
	if p.ctl != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = p.ctl.CloseApp(ctx)
	}
	if p.worker != nil {
		p.worker.Stop()
	}
	for _, close := range p.closer {
		close()
	}
	p.cancel()
	return nil
}

func (p *program) run() {
	if err := p.serve(); err != nil {
		log.Errorf(p.ctx, err, "tenappd exiting")
		os.Exit(1)
	}
}

func (p *program) serve() error {
	cfg, err := config.Load(p.cfgPath)
	if err != nil {
		return err
	}

	ctx := log.Context(p.ctx, log.WithFormat(log.FormatJSON))
	if cfg.LogLevel >= config.LogLevelDebug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	if cfg.LogFile != "" {
		w, err := newReopenableWriter(cfg.LogFile)
		if err != nil {
			return err
		}
		p.closer = append(p.closer, func() { _ = w.Close() })
		ctx = log.Context(ctx, log.WithOutput(w), log.WithFormat(log.FormatJSON))
		watchSIGHUP(ctx, w)
	}
	logger := telemetry.NewClueLogger()
	metrics, err := telemetry.NewClueMetrics()
	if err != nil {
		return err
	}

	registryOpts := []app.RegistryOption{app.WithRegistryLogger(logger)}
	if cfg.AddonRegistryEndpoint != "" {
		httpOpts := []app.RegistryHTTPOption{}
		if cfg.AddonRegistryToken != "" {
			httpOpts = append(httpOpts, app.WithRegistryBearerToken(cfg.AddonRegistryToken))
		}
		catalog := app.NewHTTPRegistryClient(cfg.AddonRegistryEndpoint, httpOpts...)
		registryOpts = append(registryOpts, app.WithRegistryClient(catalog))
	}
	p.app = app.New(cfg.URI,
		app.WithAppTelemetry(logger, metrics),
		app.WithAddonRegistry(app.NewAddonRegistry(registryOpts...)),
	)

	ctlOpts := []control.Option{
		control.WithControlTelemetry(logger, metrics),
		control.WithPathSweep(cfg.PathCheckInterval(), cfg.PathTimeout()),
		control.WithOneEventLoopPerEngine(cfg.OneEventLoopPerEngine),
		control.WithLongRunningMode(cfg.LongRunningMode),
		control.WithPredefinedGraphs(cfg.PredefinedGraphs),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		p.closer = append(p.closer, func() { _ = rdb.Close() })
		ctlOpts = append(ctlOpts, control.WithSingletonLock(control.NewRedisSingletonLock(rdb, 0)))
	}
	if cfg.MongoURI != "" {
		mc, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return err
		}
		p.closer = append(p.closer, func() { _ = mc.Disconnect(context.Background()) })
		ctlOpts = append(ctlOpts, control.WithAuditSink(control.NewMongoSink(mc, cfg.MongoDatabase)))
	}
	p.ctl = control.New(p.app, ctlOpts...)

	if cfg.TemporalHostPort != "" {
		tc, err := control.DialTemporal(temporalclient.Options{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
		})
		if err != nil {
			return err
		}
		p.closer = append(p.closer, tc.Close)
		p.worker = control.RegisterWorker(tc, p.ctl, worker.Options{})
		if err := p.worker.Start(); err != nil {
			return err
		}
	}

	bind, err := bindAddr(cfg.URI)
	if err != nil {
		return err
	}
	if err := p.app.Listen(bind); err != nil {
		return err
	}
	if cfg.HealthAddr != "" {
		if err := p.app.ServeHealth(cfg.HealthAddr); err != nil {
			return err
		}
	}
	log.Infof(ctx, "tenappd serving %s", cfg.URI)

	if err := p.ctl.AutoStart(ctx); err != nil {
		return err
	}

	select {
	case <-p.ctl.Done():
	case <-ctx.Done():
	}
	return nil
}

// bindAddr extracts host:port from the app's own URI.
func bindAddr(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing uri %q: %w", uri, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("uri %q has no host:port to bind", uri)
	}
	return u.Host, nil
}

// watchSIGHUP reopens the log file on SIGHUP, for logrotate-style
// setups.
func watchSIGHUP(ctx context.Context, w *reopenableWriter) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		for range ch {
			if err := w.Reopen(); err != nil {
				log.Errorf(ctx, err, "reopening log file")
			}
		}
	}()
}

func main() {
	cfgPath := flag.String("config", "tenapp.yaml", "path to the app config YAML")
	action := flag.String("service", "", "service control action: install, uninstall, start, stop, restart")
	flag.Parse()

	prg := &program{cfgPath: *cfgPath}
	svc, err := service.New(prg, &service.Config{
		Name:        "tenappd",
		DisplayName: "Dataflow Runtime App",
		Description: "Multi-extension dataflow runtime app process",
		Arguments:   []string{"-config", *cfgPath},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *action != "" {
		if err := service.Control(svc, *action); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// viewguardd serves secure document viewing: access code redemption, the
// viewer telemetry sinks, document locks and the owner event stream.
//
// Usage:
//
//	viewguardd [--config path] [--env-file path] [--listen addr] [--log-level level]
//	viewguardd --migrate-status | --migrate-rollback [--config path]
//
// Configuration is read from TOML, YAML or JSON, then overridden by
// VIEWGUARD_* environment variables (optionally loaded from .env files).
// Changes to the config file are picked up for the log level without a
// restart; other settings apply on the next start.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"viewguard/internal/api"
	"viewguard/internal/config"
	"viewguard/internal/eventbus"
	"viewguard/internal/health"
	"viewguard/internal/logging"
	"viewguard/internal/metrics"
	"viewguard/internal/schemavalidation"
	"viewguard/internal/security"
	"viewguard/internal/store"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "viewguardd: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	listen     string
	logLevel   string
	noWatch    bool
	version    bool

	migrateStatus   bool
	migrateRollback bool
}

func parseFlags(args []string) (*options, error) {
	var o options
	flags := pflag.NewFlagSet("viewguardd", pflag.ContinueOnError)
	flags.StringVarP(&o.configPath, "config", "c", "", "config file (default: "+config.ConfigPath()+")")
	flags.StringVar(&o.envFile, "env-file", "", "extra .env file loaded before the defaults")
	flags.StringVar(&o.listen, "listen", "", "override server.listen")
	flags.StringVar(&o.logLevel, "log-level", "", "override logging.level")
	flags.BoolVar(&o.noWatch, "no-watch", false, "do not watch the config file for changes")
	flags.BoolVar(&o.version, "version", false, "print version and exit")
	flags.BoolVar(&o.migrateStatus, "migrate-status", false, "print the store schema version and exit")
	flags.BoolVar(&o.migrateRollback, "migrate-rollback", false, "revert the newest store migration and exit")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}
	return &o, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.version {
		fmt.Println("viewguardd", Version)
		return nil
	}

	envFiles := append([]string{opts.envFile}, config.DefaultEnvFiles()...)
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		return err
	}
	loader := config.NewLoader(opts.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.listen != "" {
		cfg.Server.Listen = opts.listen
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	if opts.migrateStatus || opts.migrateRollback {
		return migrate(cfg, opts.migrateRollback, os.Stdout)
	}

	logger, err := logging.New(cfg.Logger())
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	log := logger.WithComponent("daemon")

	crash, err := logging.NewCrashHandler(cfg.Logging.CrashDir, Version, log)
	if err != nil {
		return fmt.Errorf("init crash handler: %w", err)
	}
	defer crash.Recover(map[string]any{"phase": "serve"})

	pid, err := security.AcquirePidFile(cfg.Server.PidFile)
	if err != nil {
		return err
	}
	defer pid.Release()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	if !opts.noWatch {
		loader.OnChange(func(prev, next *config.Config) {
			if next.Logging.Level == prev.Logging.Level || opts.logLevel != "" {
				return
			}
			if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
				logger.SetLevel(lvl)
				log.Info("log level changed", "level", next.Logging.Level)
			}
		})
		if err := loader.Watch(); err != nil {
			log.Warn("config watch unavailable", "path", loader.Path(), "error", err)
		} else {
			defer loader.Close()
			go func() {
				for err := range loader.Errors() {
					log.Warn("config reload rejected", "error", err)
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.serve(ctx, log)
}

// daemon holds the long-lived collaborators.
type daemon struct {
	cfg     *config.Config
	store   *store.Store
	bus     *eventbus.Bus
	metrics *metrics.EngineMetrics
	health  *health.Checker
	api     *api.Server
	audit   *logging.AuditLogger
	sink    *auditSink
	kafka   *eventbus.KafkaForwarder
}

func newDaemon(cfg *config.Config, logger *logging.Logger) (*daemon, error) {
	log := logger.WithComponent("daemon")
	d := &daemon{cfg: cfg}

	st, err := store.Open(cfg.Storage.Path, store.Options{BcryptCost: cfg.Storage.BcryptCost})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.store = st
	d.bus = eventbus.NewBus(logger.WithComponent("bus"))
	d.metrics = metrics.NewEngineMetrics(metrics.NewRegistry("viewguard", ""))

	d.health = health.NewChecker()
	d.health.RegisterFunc("store", true, health.StoreCheck(st.Ping))
	d.health.RegisterFunc("bus", false, health.BusCheck(d.bus.Subscribers))

	if cfg.Logging.AuditPath != "" {
		audit, err := logging.NewAuditLogger(cfg.Audit())
		if err != nil {
			d.close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
		d.sink = newAuditSink(d.bus, audit, logger.WithComponent("audit"), 0)
		d.health.RegisterFunc("audit", false, health.DropCheck("audit", d.sink.Dropped, 0))
	}

	if cfg.Kafka.Enabled {
		kcfg := cfg.KafkaForwarder()
		d.kafka = eventbus.NewKafkaForwarder(eventbus.NewKafkaWriter(kcfg), kcfg, logger.WithComponent("kafka"))
		d.kafka.Attach(d.bus)
		d.health.RegisterFunc("kafka", false, health.DropCheck("kafka", d.kafka.Dropped, cfg.Kafka.DropTolerance))
		log.Info("forwarding events to kafka", "brokers", kcfg.Brokers, "topic", kcfg.Topic)
	}

	schemas, err := schemavalidation.New()
	if err != nil {
		d.close()
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	apiCfg := cfg.API()
	if len(apiCfg.TamperSecret) == 0 {
		apiCfg.TamperSecret = make([]byte, 32)
		if _, err := rand.Read(apiCfg.TamperSecret); err != nil {
			d.close()
			return nil, fmt.Errorf("generate tamper secret: %w", err)
		}
		log.Warn("no tamper secret configured; tamper hashes will not survive a restart")
	}
	if apiCfg.OwnerToken == "" {
		log.Warn("owner routes are unauthenticated; set VIEWGUARD_OWNER_TOKEN")
	}

	srv, err := api.New(apiCfg, api.Deps{
		Store:   st,
		Bus:     d.bus,
		Schemas: schemas,
		Metrics: d.metrics,
		Health:  d.health,
		Logger:  logger.Logger,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	d.api = srv
	srv.RefreshLockedGauge()
	return d, nil
}

func (d *daemon) serve(ctx context.Context, log *slog.Logger) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           d.api,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(d.cfg.Server.ReadTimeoutSec) * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	go d.tick(ctx)

	d.health.SetReady(true)
	log.Info("viewguardd started", "version", Version, "addr", ln.Addr().String(), "store", d.cfg.Storage.Path)

	select {
	case err := <-errCh:
		d.health.SetReady(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	d.health.SetReady(false)
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(d.cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", "error", err)
		server.Close()
	}
	log.Info("viewguardd stopped")
	return nil
}

// tick refreshes the uptime gauge and carries Kafka drops into the metrics.
func (d *daemon) tick(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	lastDropped := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.metrics.UpdateUptime()
			if d.kafka != nil {
				if n := d.kafka.Dropped(); n > lastDropped {
					d.metrics.KafkaDroppedTotal.Add(uint64(n - lastDropped))
					lastDropped = n
				}
			}
		}
	}
}

func (d *daemon) close() {
	if d.api != nil {
		d.api.Close()
	}
	if d.kafka != nil {
		d.kafka.Close()
	}
	if d.sink != nil {
		d.sink.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
}

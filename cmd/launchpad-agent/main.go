package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/launchpad/internal/agent"
	core "github.com/3cpo-dev/launchpad/internal/core"
	"github.com/3cpo-dev/launchpad/internal/events"
	"github.com/3cpo-dev/launchpad/internal/launcher"
	prov "github.com/3cpo-dev/launchpad/internal/providers"
	"github.com/3cpo-dev/launchpad/internal/providers/local"
	"github.com/3cpo-dev/launchpad/internal/providers/remote"
	"github.com/3cpo-dev/launchpad/internal/telemetry"
	"github.com/3cpo-dev/launchpad/pkg/api"
)

var version = "dev"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cmd := &cobra.Command{
		Use:           "launchpad-agent",
		Short:         "Serve the launcher API and dashboard selection page",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			listen, _ := cmd.Flags().GetString("listen")
			levelStr, _ := cmd.Flags().GetString("log")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Agent.Listen = listen
			}
			if levelStr == "" {
				levelStr = cfg.LogLevel
			}
			level, err := zerolog.ParseLevel(levelStr)
			if err != nil || levelStr == "" {
				level = zerolog.InfoLevel
			}
			zerolog.SetGlobalLevel(level)
			return run(cfg)
		},
	}
	cmd.Flags().String("config", "", "config file")
	cmd.Flags().String("listen", "", "listen address (overrides agent.listen)")
	cmd.Flags().StringP("log", "l", "", "log level: trace, debug, info, warn, error")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg prov.Config) error {
	collector := telemetry.InitGlobal(cfg.Telemetry.Enabled, cfg.Telemetry.OTLPEndpoint)
	telemetry.ServiceVersion = version

	reg := prov.NewRegistry()
	reg.Register(local.New(cfg))
	reg.Register(remote.New(cfg))

	opts := launcher.Options{SpawnTimeout: cfg.SpawnTimeout()}

	var store *core.Store
	if cfg.Store.Driver != "" && cfg.Store.Driver != "none" {
		s, err := core.NewStore(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			// history is optional; launching must keep working without it
			log.Error().Err(err).Str("driver", cfg.Store.Driver).Msg("history store unavailable")
		} else {
			store = s
			opts.Recorder = s
			defer s.Close()
		}
	}

	var redisPub *events.Redis
	if cfg.Events.RedisAddr != "" {
		redisPub = events.NewRedis(cfg.Events.RedisAddr, cfg.Events.Password, cfg.Events.DB, cfg.Events.Channel)
		opts.Publisher = redisPub
	}

	sup := launcher.New(reg, cfg.Targets, opts)
	srv := &agent.Server{
		Version:       version,
		Supervisor:    sup,
		Dashboards:    cfg.Dashboards,
		DefaultTarget: cfg.Agent.DefaultTarget,
		Token:         cfg.Agent.Token,
	}

	var monitor *telemetry.MonitoringServer
	if cfg.Telemetry.Enabled && cfg.Telemetry.MonitoringPort > 0 {
		monitor = telemetry.NewMonitoringServer(":"+strconv.Itoa(cfg.Telemetry.MonitoringPort), collector)
		for name, check := range telemetry.DefaultHealthChecks() {
			monitor.RegisterHealthCheck(name, check)
		}
		monitor.RegisterHealthCheck("targets", targetsCheck(sup))
		if store != nil {
			monitor.RegisterHealthCheck("store", pingCheck("store", store.Ping))
		}
		if redisPub != nil {
			monitor.RegisterHealthCheck("redis", pingCheck("redis", redisPub.Ping))
		}
		go func() {
			if err := monitor.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("monitoring server failed")
			}
		}()
		log.Info().Int("port", cfg.Telemetry.MonitoringPort).Msg("monitoring server listening")
	}

	tlsCfg := agent.LoadMTLSConfig(cfg)
	errc := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg.Enabled() {
			err = srv.ListenAndServeTLS(cfg.Agent.Listen, tlsCfg)
		} else {
			err = srv.ListenAndServe(cfg.Agent.Listen)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	log.Info().
		Str("addr", cfg.Agent.Listen).
		Str("default_target", cfg.Agent.DefaultTarget).
		Int("targets", len(cfg.Targets)).
		Msg("launchpad-agent listening")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigc:
		log.Info().Str("signal", sig.String()).Msg("launchpad-agent shutting down")
	case runErr = <-errc:
		log.Error().Err(runErr).Msg("agent server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if err := sup.Shutdown(ctx, cfg.Agent.TerminateOnShutdown); err != nil {
		log.Error().Err(err).Msg("stopping targets")
	}
	if monitor != nil {
		_ = monitor.Shutdown(ctx)
	}
	if redisPub != nil {
		_ = redisPub.Close()
	}
	_ = telemetry.Shutdown()
	return runErr
}

func targetsCheck(sup *launcher.Supervisor) func() telemetry.HealthCheck {
	return func() telemetry.HealthCheck {
		status := telemetry.HealthStatusHealthy
		details := map[string]string{}
		failed := 0
		for _, st := range sup.StatusAll() {
			details[st.Name] = string(st.Status)
			if st.Status == api.StatusFailed {
				failed++
			}
		}
		msg := fmt.Sprintf("%d targets", len(details))
		if failed > 0 {
			status = telemetry.HealthStatusDegraded
			msg = fmt.Sprintf("%d of %d targets failed", failed, len(details))
		}
		return telemetry.HealthCheck{Name: "targets", Status: status, Message: msg, Details: details}
	}
}

func pingCheck(name string, ping func(context.Context) error) func() telemetry.HealthCheck {
	return func() telemetry.HealthCheck {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return telemetry.HealthCheck{Name: name, Status: telemetry.HealthStatusUnhealthy, Message: err.Error()}
		}
		return telemetry.HealthCheck{Name: name, Status: telemetry.HealthStatusHealthy, Message: "ok"}
	}
}

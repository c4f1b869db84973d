package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/api"
	httpapi "github.com/Paintersrp/warden/internal/api/http"
	"github.com/Paintersrp/warden/internal/collab"
	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/metrics"
	"github.com/Paintersrp/warden/internal/specwatch"
	"github.com/Paintersrp/warden/internal/supervisor"
)

// readyTimeout bounds the handshake with the launcher.
const readyTimeout = 10 * time.Second

func newSupervisorCmd(ctx *context) *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:    "supervisor",
		Short:  "Run the unprivileged supervisor (spawned by launch)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := ctx.logger()
			host, _, err := ctx.loadHost()
			if err != nil {
				return err
			}
			if socket == "" {
				socket = host.SocketPath
			}
			return runSupervisor(cmd.Context(), host, socket, log)
		},
	}
	cmd.Flags().StringVar(&socket, "ipc", "", "Launcher socket to connect to")
	return cmd
}

func runSupervisor(ctx stdcontext.Context, host *config.Host, socket string, log zerolog.Logger) error {
	instance := os.Getenv(ipc.EnvInstance)
	log = log.With().Str("instance", instance).Logger()
	metrics.EmitBuildInfo()

	dialCtx, cancelDial := stdcontext.WithTimeout(ctx, readyTimeout)
	conn, err := ipc.Dial(dialCtx, socket)
	cancelDial()
	if err != nil {
		return fmt.Errorf("connect to launcher: %w", err)
	}
	peer := ipc.NewPeer(conn,
		ipc.WithLogger(log),
		ipc.WithCallObserver(func(op ipc.Op, elapsed time.Duration, err error) {
			metrics.ObserveIPCCall(op.String(), elapsed, err)
		}),
	)
	defer peer.Close()

	launcher := supervisor.NewIPCLauncher(peer)
	sup := supervisor.New(supervisor.Options{
		Launcher: launcher,
		Resolver: collab.LocalResolver{},
		Verifier: collab.DigestVerifier{RequireVerified: host.RequireVerified},
		Configs:  &collab.DirConfigSource{Dir: host.ConfigDir, Logger: log},
		Renderer: collab.TOMLRenderer{DataDir: host.DataDir},
		Logger:   log,
	})

	// Calls from the launcher must not outlive the session, but they have
	// to keep flowing while units are stopped after a signal.
	runCtx, cancelRun := stdcontext.WithCancel(stdcontext.WithoutCancel(ctx))
	defer cancelRun()
	go func() { _ = peer.Run(runCtx, sup) }()

	readyCtx, cancelReady := stdcontext.WithTimeout(ctx, readyTimeout)
	err = launcher.Ready(readyCtx, Version)
	cancelReady()
	if err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	log.Info().Str("socket", socket).Msg("supervisor connected")

	bgCtx, cancelBg := stdcontext.WithCancel(runCtx)
	defer cancelBg()

	specs := &specwatch.Watcher{Dir: host.SpecDir, Target: sup, Logger: log}
	if err := specs.LoadAll(bgCtx); err != nil {
		log.Warn().Err(err).Str("dir", host.SpecDir).Msg("initial spec load incomplete")
	}
	go func() {
		if err := specs.Run(bgCtx); err != nil && !errors.Is(err, stdcontext.Canceled) {
			log.Error().Err(err).Msg("spec watcher stopped")
		}
	}()
	go sup.WatchConfigs(bgCtx)

	server, err := httpapi.NewServer(httpapi.Config{
		Addr:       host.APIAddr,
		Controller: api.NewSupervisorController(sup, instance, Version),
		Logger:     log,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := server.Run(bgCtx); err != nil {
			log.Error().Err(err).Msg("api server stopped")
		}
	}()
	if host.MetricsAddr != "" && host.MetricsAddr != host.APIAddr {
		go serveMetrics(bgCtx, host.MetricsAddr, log)
	}

	select {
	case <-sup.StopRequested():
		log.Info().Str("reason", sup.StopReason()).Msg("stop requested")
	case <-ctx.Done():
		sup.HandleExternalStop("signal")
	case <-peer.Done():
		log.Error().Err(peer.Err()).Msg("launcher connection lost")
		return fmt.Errorf("%w: %v", supervisor.ErrIPCDisconnected, peer.Err())
	}

	timeout := host.Launcher.ShutdownTimeout.Duration
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := stdcontext.WithTimeout(runCtx, timeout)
	defer cancel()
	return sup.Shutdown(shutdownCtx, sup.StopReason())
}

func serveMetrics(ctx stdcontext.Context, addr string, log zerolog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/fabricbench/internal/config"
	"github.com/piwi3910/fabricbench/internal/fabric"
	"github.com/piwi3910/fabricbench/internal/responder"
)

// NewResponderCmd creates the responder command.
func NewResponderCmd() *cobra.Command {
	var (
		configPath  string
		adapterID   int
		backendKind string
		deviceID    int
		regionSize  int64
		metricsPort int
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "responder",
		Short: "Start the passive responder",
		Long: `Starts the passive side of a benchmark pair. The responder exposes a
memory region to the fabric and validates its contents every time an
initiator requests it, until stopped with SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, config.Options{
				AdapterID:   adapterID,
				BackendKind: backendKind,
				DeviceID:    deviceID,
				RegionSize:  regionSize,
				MetricsPort: metricsPort,
			})
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogging(cfg, debug)

			be, err := newBackend(cfg)
			if err != nil {
				return err
			}

			hub := newFabric(cfg)
			provider := hub.Endpoint(uint(cfg.AdapterID))

			session, err := responder.New(provider, be, responder.Config{
				RegionID:    fabric.RegionID(cfg.Region.LocalID),
				TriggerID:   fabric.TriggerID(cfg.Region.TriggerID),
				SegmentSize: cfg.Region.Size,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return session.Serve(ctx)
			})

			if cfg.Metrics.Enabled {
				srv := newMetricsServer(cfg.Metrics.Port, session)
				g.Go(func() error {
					log.Info().Str("addr", srv.Addr).Msg("Serving metrics")
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.Flags().IntVar(&adapterID, "adapter", 0, "Fabric adapter id")
	cmd.Flags().StringVar(&backendKind, "backend", "", "Buffer backend: host or device")
	cmd.Flags().IntVar(&deviceID, "device", 0, "Device id for the device backend")
	cmd.Flags().Int64Var(&regionSize, "size", 0, "Exposed region size in bytes")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Metrics HTTP port")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}

// newMetricsServer mounts /metrics and /healthz. Health reports 200 only
// while the session is running.
func newMetricsServer(port int, session *responder.Session) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if session.State() != responder.StateRunning {
			http.Error(w, session.State().String(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

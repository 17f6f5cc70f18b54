package commands

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andewx/vkasync"
	"github.com/andewx/vkasync/internal/config"
	"github.com/andewx/vkasync/internal/metrics"
)

// rootOptions carries the global flags and the configuration loaded from
// them into every subcommand.
type rootOptions struct {
	cfgFile     string
	metricsAddr string
	verbose     bool

	cfg *config.Config
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "vkasync",
		Short: "Asynchronous GPU transfers over Vulkan",
		Long: `vkasync drives a Vulkan device through fence-backed futures.

It lists the physical devices with the queue families it would use, runs
staged upload and read-back round trips, and prints its configuration.`,
		Version:      "0.1.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ./vkasync.yaml)")
	cmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(
		newDevicesCommand(opts),
		newRoundtripCommand(opts),
		newConfigCommand(opts),
	)
	return cmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return err
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Enabled = o.metricsAddr != ""
		cfg.Metrics.ListenAddress = o.metricsAddr
	}
	o.cfg = cfg
	vkasync.SetLogger(cfg.NewLogger(cmd.ErrOrStderr()))
	return nil
}

// withMetrics runs fn, serving /metrics alongside it when enabled. The
// server stops once fn returns.
func (o *rootOptions) withMetrics(ctx context.Context, fn func(ctx context.Context, m *metrics.Metrics) error) error {
	if !o.cfg.Metrics.Enabled {
		return fn(ctx, nil)
	}

	ln, err := net.Listen("tcp", o.cfg.Metrics.ListenAddress)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	vkasync.Logger().Info("serving metrics", "addr", ln.Addr().String())

	m := metrics.Default()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdown)
		}()
		return fn(gctx, m)
	})
	return g.Wait()
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/it2konst/quicpath/metrics"
	"github.com/it2konst/quicpath/server"
)

// ====================================================================
// quicpath-server - серверный бинарь
// ====================================================================
//
// Слушает UDP-порт, отдаёт файлы из каталога ресурсов.
// Конфигурация: флаги, переменные окружения QUICPATH_* и
// YAML-файл (--config).
//
// ====================================================================

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "quicpath-server",
		Short: "quicpath file server over a QUIC-like UDP transport",
		Long: `quicpath-server serves files from a resource directory over an
encrypted connectionless datagram transport with CUBIC congestion
control and connection migration support.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.Flags().String("bind", "0.0.0.0", "bind host")
	rootCmd.Flags().Int("port", 5000, "UDP port")
	rootCmd.Flags().String("resources", "./resources", "resource directory to serve")
	rootCmd.Flags().String("metrics", "", "prometheus listen address (empty = disabled)")
	rootCmd.Flags().Bool("allocate-cid", false, "allocate a fresh server CID instead of adopting the client's")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("bind", rootCmd.Flags().Lookup("bind"))
	viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("resources", rootCmd.Flags().Lookup("resources"))
	viper.BindPFlag("metrics", rootCmd.Flags().Lookup("metrics"))
	viper.BindPFlag("allocate-cid", rootCmd.Flags().Lookup("allocate-cid"))
	viper.BindPFlag("log-level", rootCmd.Flags().Lookup("log-level"))
	viper.SetEnvPrefix("QUICPATH")
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(viper.GetString("log-level")); err == nil {
		logger.SetLevel(level)
	}

	source, err := server.NewDirSource(viper.GetString("resources"))
	if err != nil {
		return err
	}

	srv, err := server.New(&server.Config{
		BindHost:          viper.GetString("bind"),
		BindPort:          viper.GetInt("port"),
		AllocateServerCID: viper.GetBool("allocate-cid"),
	}, source, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if metricsAddr := viper.GetString("metrics"); metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewEndpointCollector(srv.Endpoint(), "quicpath"))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}

		g.Go(func() error {
			logger.WithField("addr", metricsAddr).Info("metrics listening")
			if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Close()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("server failed")
	}
}

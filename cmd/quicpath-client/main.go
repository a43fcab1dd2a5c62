package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/it2konst/quicpath/client"
)

// ====================================================================
// quicpath-client - клиентский бинарь
// ====================================================================
//
// Один прогон: хэндшейк, опциональная миграция на другой
// интерфейс, опциональный запрос файла, вывод статистики CUBIC.
//
// ====================================================================

var (
	serverHost string
	serverPort int
	fileName   string
	migrateTo  string
	showStats  bool
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "quicpath-client",
		Short: "quicpath client: fetch files over a migratable UDP transport",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&serverHost, "server", "127.0.0.1", "server host")
	rootCmd.Flags().IntVar(&serverPort, "port", 5000, "server UDP port")
	rootCmd.Flags().StringVar(&fileName, "file", "", "file to request (empty = handshake only)")
	rootCmd.Flags().StringVar(&migrateTo, "migrate-to", "", "migrate to this interface before the request")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "print congestion stats before exit")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func run(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(logLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(serverHost, serverPort, logger)
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return err
	}

	if migrateTo != "" {
		if err := c.MigrateTo(migrateTo); err != nil {
			logger.WithError(err).Error("migration failed")
		}
	}

	if fileName != "" {
		report, err := c.RequestFile(ctx, fileName)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"file":   report.Filename,
			"bytes":  report.Bytes,
			"chunks": report.Chunks,
			"MBps":   report.Throughput,
		}).Info("transfer report")
	}

	if showStats {
		stats, err := c.CongestionStats()
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"cwnd":        stats.Cwnd,
			"ssthresh":    stats.Ssthresh,
			"state":       stats.State,
			"smoothedRtt": stats.SmoothedRTTMs,
			"minRtt":      stats.MinRTTMs,
			"inFlight":    stats.PacketsInFlight,
		}).Info("congestion stats")
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("client failed")
	}
}

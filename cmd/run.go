package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Lazloian/EMI-Analyzer/metrics"
	"github.com/Lazloian/EMI-Analyzer/status"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect sweeps until interrupted",
	Long: "Scan for sensors, transfer and deliver their sweeps, and sleep when none " +
		"is in range. Serves health, queue and metrics on status.listen when set.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		q, err := openQueue()
		cobra.CheckErr(err)
		defer q.Close()

		m := metrics.New()
		h, err := newHub(newDeliverer(q, m), m)
		cobra.CheckErr(err)

		if conf.Status.Listen != "" {
			server := status.New(q, m, status.WithLogger(logger))
			go func() {
				if err := server.ListenAndServe(ctx, conf.Status.Listen); err != nil {
					logger.Error("status server failed", slog.Any("error", err))
				}
			}()
		}

		logger.Info("collecting sweeps",
			slog.String("link", conf.Link.Kind),
			slog.String("sweep_path", conf.Hub.SweepPath),
			slog.String("upload", conf.Upload.URI))

		err = h.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			cobra.CheckErr(fmt.Errorf("collection stopped: %w", err))
		}
		logger.Info("stopped")
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

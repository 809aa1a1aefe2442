package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/Lazloian/EMI-Analyzer/metrics"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Transfer and deliver one sweep",
	Long:  "Connect to the first sensor found, transfer one sweep, save it and deliver it.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		q, err := openQueue()
		cobra.CheckErr(err)
		defer q.Close()

		m := metrics.New()
		h, err := newHub(newDeliverer(q, m), m)
		cobra.CheckErr(err)

		capture, err := h.RunOnce(ctx)
		if err != nil {
			cobra.CheckErr(fmt.Errorf("capture failed: %w", err))
		}

		fmt.Printf("Device: %s (%s", capture.Device.Name, capture.Device.Address)
		if capture.Device.RSSI != 0 {
			fmt.Printf(", %d dBm", capture.Device.RSSI)
		}
		fmt.Printf(")\n")
		fmt.Printf("Points: %d\n", len(capture.Batch.Points))
		fmt.Printf("Temperature: %d\n", capture.Batch.Metadata.Temperature)
		if capture.Path == "" {
			fmt.Printf("Empty sweep, nothing saved\n")
			return
		}
		fmt.Printf("Saved: %s\n", capture.Path)
		fmt.Printf("Upload: %s\n", capture.Outcome)
	},
}

func init() {
	rootCmd.AddCommand(captureCmd)
}

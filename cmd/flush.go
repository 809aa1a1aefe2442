package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Retry delivery of pending sweeps",
	Long:  "Upload pending sweeps oldest first, stopping at the first one the collector does not accept.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		q, err := openQueue()
		cobra.CheckErr(err)
		defer q.Close()

		n, err := newDeliverer(q, nil).Resync(ctx)
		if err != nil {
			cobra.CheckErr(fmt.Errorf("flush failed: %w", err))
		}
		left, err := q.Len(ctx)
		cobra.CheckErr(err)
		fmt.Printf("Delivered %d, %d still pending\n", n, left)
	},
}

func init() {
	rootCmd.AddCommand(flushCmd)
}

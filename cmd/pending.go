package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Lazloian/EMI-Analyzer/sweep"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List sweeps waiting for delivery",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		q, err := openQueue()
		cobra.CheckErr(err)
		defer q.Close()

		count := 0
		var total uint64
		for r, err := range q.Pending(ctx) {
			cobra.CheckErr(err)
			count++

			age := ""
			if t, err := time.Parse(sweep.HubTimeLayout, r.HubTime); err == nil {
				age = humanize.Time(t)
			}
			size := "missing"
			path := r.Filename
			if !filepath.IsAbs(path) {
				path = filepath.Join(conf.Hub.SweepPath, path)
			}
			if info, err := os.Stat(path); err == nil {
				size = humanize.Bytes(uint64(info.Size()))
				total += uint64(info.Size())
			}
			fmt.Printf("%-12s %s  %-14s %8s  %s\n", r.DeviceName, r.HubTime, age, size, r.Filename)
		}
		if count == 0 {
			fmt.Printf("No pending sweeps\n")
			return
		}
		fmt.Printf("\n%d pending, %s\n", count, humanize.Bytes(total))
	},
}

func init() {
	rootCmd.AddCommand(pendingCmd)
}

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Lazloian/EMI-Analyzer/config"

	// Link kinds register themselves
	_ "github.com/Lazloian/EMI-Analyzer/link/ble"
	_ "github.com/Lazloian/EMI-Analyzer/link/serial"
	_ "github.com/Lazloian/EMI-Analyzer/link/usb"
)

var (
	configPath string
	logLevel   string

	conf   *config.Config
	level  = new(slog.LevelVar)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
)

var rootCmd = &cobra.Command{
	Use:   "emihub",
	Short: "Collect impedance sweeps from EMI sensors and deliver them to a collector",
	Long: "The emihub tool connects to EMI sensors over BLE, serial or USB, transfers " +
		"impedance sweeps, stores them locally and uploads them to the collector, " +
		"retrying the ones that could not be delivered.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		conf, err = config.Load(configPath)
		if err != nil {
			cobra.CheckErr(fmt.Errorf("failed to load config: %w", err))
		}

		name := conf.Hub.LogLevel
		if logLevel != "" {
			name = logLevel
		}
		if err := level.UnmarshalText([]byte(name)); err != nil {
			cobra.CheckErr(fmt.Errorf("invalid log level %q: %w", name, err))
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (default ~/.emihub)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Lazloian/EMI-Analyzer/link"
	"github.com/Lazloian/EMI-Analyzer/link/serial"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and supported link kinds",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ports, err := serial.Ports()
		cobra.CheckErr(err)

		if len(ports) == 0 {
			fmt.Printf("No serial ports found\n")
		}
		for _, port := range ports {
			if !port.IsUSB {
				fmt.Printf("%s\n", port.Name)
				continue
			}
			fmt.Printf("%s  VID=%s PID=%s", port.Name, port.VID, port.PID)
			if port.Product != "" {
				fmt.Printf("  %s", port.Product)
			}
			if port.SerialNumber != "" {
				fmt.Printf("  serial %s", port.SerialNumber)
			}
			fmt.Printf("\n")
		}

		fmt.Printf("\nLink kinds: %s (configured: %s)\n", strings.Join(link.Kinds(), ", "), conf.Link.Kind)
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

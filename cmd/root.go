package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"crewhub/internal/logger"
)

var (
	verbose    bool
	configPath string
	log        = logger.New()
)

var rootCmd = &cobra.Command{
	Use:   "crewhub",
	Short: "CrewHub - connect AI agent gateways to your workflows",
	Long: `CrewHub maintains authenticated connections to OpenClaw-style agent
gateways. Each connection owns a persistent device identity, survives
disconnects with backed-off reconnects, and exposes sessions, chat and cron
management over a single duplex channel.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel("debug")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "crewhub.yaml"
	}
	return fmt.Sprintf("%s/.crewhub/config.yaml", home)
}

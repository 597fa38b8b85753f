package main

import (
	"os"

	"meshshare/pkg/config"
	"meshshare/pkg/logger"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mesh-share",
	Short: "P2P File Sharing Mesh",
	Long:  `A peer-to-peer file-sharing mesh with a central coordination server.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

// loadConfig returns the file config when one was given, defaults
// otherwise. Flags override on top in each subcommand.
func loadConfig() (config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to a YAML config file")
}

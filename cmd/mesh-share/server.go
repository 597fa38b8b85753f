package main

import (
	"fmt"
	"os"
	"strings"

	"meshshare/coordinator"
	"meshshare/pkg/credentials"
	"meshshare/pkg/logger"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	serverListenAddr  string
	serverCredsFile   string
	serverMetricsAddr string
	serverMDNS        bool
	serverInteractive bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Coordinator",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			logger.Sugar.Fatal("Error loading config: ", err)
		}
		if cmd.Flags().Changed("addr") {
			cfg.Coordinator.Listen = serverListenAddr
		}
		if cmd.Flags().Changed("credentials") {
			cfg.Coordinator.CredentialsFile = serverCredsFile
		}
		if cmd.Flags().Changed("metrics") {
			cfg.Coordinator.MetricsAddress = serverMetricsAddr
		}
		if cmd.Flags().Changed("mdns") {
			cfg.Coordinator.MDNS = serverMDNS
		}

		// A missing credentials file is the one fatal startup error.
		creds, err := credentials.Load(cfg.Coordinator.CredentialsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			logger.Sugar.Fatal("Failed to load credentials: ", err)
		}
		logger.Sugar.Infof("Loaded %d credential records from %s", creds.Len(), cfg.Coordinator.CredentialsFile)
		logger.Sugar.Infof("Starting Coordinator on %s", cfg.Coordinator.Listen)

		server := coordinator.New(cfg.Coordinator, creds)

		if serverInteractive {
			go func() {
				if err := server.Start(); err != nil {
					logger.Sugar.Error("Error starting coordinator ", err)
					os.Exit(1)
				}
			}()

			fmt.Println("Mesh-Share Coordinator Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			p := prompt.New(
				func(in string) { serverExecutor(in, server) },
				serverCompleter,
				prompt.OptionPrefix("coordinator> "),
				prompt.OptionTitle("Mesh-Share Coordinator"),
			)
			p.Run()
		} else {
			if err := server.Start(); err != nil {
				logger.Sugar.Error("Error starting coordinator ", err)
			}
		}
	},
}

func serverExecutor(in string, server *coordinator.Coordinator) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping coordinator...")
		server.Stop()
		os.Exit(0)
	case "status":
		fmt.Println(server.GetStatus())
	case "list":
		if len(blocks) > 1 && blocks[1] == "peers" {
			peers := server.ActivePeers()
			if len(peers) == 0 {
				fmt.Println("No peers online.")
			} else {
				fmt.Println("Online peers:")
				for _, p := range peers {
					fmt.Println("- " + p)
				}
			}
		} else if len(blocks) > 1 && blocks[1] == "files" {
			files := server.IndexedFileCounts()
			if len(files) == 0 {
				fmt.Println("No files indexed.")
			} else {
				fmt.Println("Indexed files:")
				for _, line := range files {
					fmt.Println("- " + line)
				}
			}
		} else {
			fmt.Println("Usage: list peers|files")
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status       - Show coordinator status")
		fmt.Println("  list peers   - List online peers")
		fmt.Println("  list files   - List indexed files")
		fmt.Println("  exit         - Stop coordinator and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func serverCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show coordinator status"},
		{Text: "list peers", Description: "List online peers"},
		{Text: "list files", Description: "List indexed files"},
		{Text: "exit", Description: "Exit the coordinator"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&serverListenAddr, "addr", "a", "127.0.0.1:8000", "UDP control address to listen on")
	serverCmd.Flags().StringVarP(&serverCredsFile, "credentials", "f", "credentials.txt", "Path to the credentials file")
	serverCmd.Flags().StringVarP(&serverMetricsAddr, "metrics", "m", "", "Prometheus metrics listen address (disabled when empty)")
	serverCmd.Flags().BoolVar(&serverMDNS, "mdns", false, "Advertise the coordinator via mDNS")
	serverCmd.Flags().BoolVarP(&serverInteractive, "interactive", "i", false, "Start in interactive mode")
}

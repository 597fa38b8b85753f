package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"meshshare/peer"
	"meshshare/pkg/discovery"
	"meshshare/pkg/logger"
	"meshshare/pkg/monitor"

	"github.com/c-bata/go-prompt"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	peerServerAddr string
	peerSharedRoot string
	peerUploadRate int64
	peerDiscover   bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a Peer Agent",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			logger.Sugar.Fatal("Error loading config: ", err)
		}
		if cmd.Flags().Changed("server") {
			cfg.Peer.Coordinator = peerServerAddr
		}
		if cmd.Flags().Changed("shared-root") {
			cfg.Peer.SharedRoot = peerSharedRoot
		}
		if cmd.Flags().Changed("upload-rate") {
			cfg.Peer.UploadRate = peerUploadRate
		}
		if cmd.Flags().Changed("discover") {
			cfg.Peer.Discover = peerDiscover
		}

		if cfg.Peer.Discover {
			fmt.Println("Searching for a coordinator via mDNS...")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			addr, err := discovery.FindCoordinator(ctx)
			cancel()
			if err != nil {
				logger.Sugar.Fatal("Coordinator discovery failed: ", err)
			}
			fmt.Printf("Found coordinator at %s\n", addr)
			cfg.Peer.Coordinator = addr
		}

		logger.Sugar.Infof("Starting Peer Agent, coordinator=%s", cfg.Peer.Coordinator)

		a, err := peer.NewAgent(cfg.Peer)
		if err != nil {
			logger.Sugar.Fatal("Error creating peer agent: ", err)
		}
		a.Start()

		monitorQuit := make(chan struct{})
		go monitor.LogPeriodic(time.Minute, monitorQuit)

		fmt.Println("=== Mesh-Share Peer ===")
		fmt.Printf("Coordinator: %s\n", cfg.Peer.Coordinator)

		login(a)

		fmt.Println("Type 'help' for commands.")
		prompt.New(
			func(in string) { peerExecutor(in, a, monitorQuit) },
			peerCompleter,
			prompt.OptionPrefix("peer> "),
			prompt.OptionTitle("Mesh-Share Peer"),
		).Run()
	},
}

// login prompts for credentials until the coordinator accepts them.
func login(a *peer.Agent) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Enter username: ")
		username, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println("\nAborted.")
			a.Stop()
			os.Exit(0)
		}
		fmt.Print("Enter password: ")
		password, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println("\nAborted.")
			a.Stop()
			os.Exit(0)
		}

		err = a.Login(strings.TrimSpace(username), strings.TrimSpace(password))
		if err != nil {
			fmt.Printf("Authentication failed: %v\n", err)
			continue
		}
		fmt.Println("Authentication successful!")
		fmt.Println("Welcome to the mesh.")
		return
	}
}

func peerExecutor(in string, a *peer.Agent, monitorQuit chan struct{}) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Goodbye!")
		close(monitorQuit)
		a.Stop()
		os.Exit(0)
	case "peers":
		printResult(a.ListPeers())
	case "myfiles":
		printResult(a.ListFiles())
	case "share":
		if len(blocks) < 2 {
			fmt.Println("Usage: share <filename>")
			return
		}
		printResult(a.Share(blocks[1]))
	case "find":
		if len(blocks) < 2 {
			fmt.Println("Usage: find <pattern>")
			return
		}
		printResult(a.Find(strings.Join(blocks[1:], " ")))
	case "remove":
		if len(blocks) < 2 {
			fmt.Println("Usage: remove <filename>")
			return
		}
		printResult(a.Remove(blocks[1]))
	case "fetch":
		if len(blocks) < 2 {
			fmt.Println("Usage: fetch <filename>")
			return
		}
		if err := a.Fetch(blocks[1]); err != nil {
			fmt.Printf("Error: %v\n", err)
		} else {
			fmt.Printf("%s downloaded successfully\n", blocks[1])
		}
	case "status":
		username, _ := a.Username()
		up, down, transfers := monitor.Snapshot()
		fmt.Printf("Logged in as:  %s\n", username)
		fmt.Printf("Transfer port: %d\n", a.TransferPort())
		fmt.Printf("Uploaded:      %s\n", humanize.IBytes(uint64(up)))
		fmt.Printf("Downloaded:    %s\n", humanize.IBytes(uint64(down)))
		fmt.Printf("Transfers:     %d\n", transfers)
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  peers              - List active peers")
		fmt.Println("  myfiles            - List your shared files")
		fmt.Println("  share <filename>   - Share a file from your directory")
		fmt.Println("  find <pattern>     - Search for files")
		fmt.Println("  remove <filename>  - Unshare a file")
		fmt.Println("  fetch <filename>   - Download a file from a peer")
		fmt.Println("  status             - Show agent status")
		fmt.Println("  quit               - Exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func printResult(res string, err error) {
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println(res)
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "peers", Description: "List active peers"},
		{Text: "myfiles", Description: "List your shared files"},
		{Text: "share", Description: "Share a file"},
		{Text: "find", Description: "Search for files"},
		{Text: "remove", Description: "Unshare a file"},
		{Text: "fetch", Description: "Download a file"},
		{Text: "status", Description: "Show agent status"},
		{Text: "quit", Description: "Exit"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.Flags().StringVarP(&peerServerAddr, "server", "s", "127.0.0.1:8000", "Address of the coordinator")
	peerCmd.Flags().StringVarP(&peerSharedRoot, "shared-root", "r", ".", "Parent directory of per-user shared directories")
	peerCmd.Flags().Int64Var(&peerUploadRate, "upload-rate", 0, "Upload rate limit in bytes/sec (0 = unlimited)")
	peerCmd.Flags().BoolVarP(&peerDiscover, "discover", "d", false, "Locate the coordinator via mDNS")
}

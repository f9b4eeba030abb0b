package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PythonRysh/espresso/zerok"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the node until interrupted",
	RunE:  runStart,
}

func init() {
	f := startCmd.Flags()
	f.String("config", "", "path of the config file")
	f.String("moniker", "", "node name shown in status output")
	f.String("data-dir", "", "directory holding the node's stores")
	f.Bool("in-memory", false, "keep all state in memory")
	f.String("genesis", "", "path of the genesis document")
	f.String("signing-key", "", "path of the local signing key file")
	f.String("signer-socket", "", "unix socket of a remote signer")
	f.StringSlice("p2p-listen", nil, "multiaddrs to listen on")
	f.StringSlice("p2p-seed", nil, "multiaddrs of seed peers")
	f.String("http-listen", "", "HTTP API listen address")
	f.String("archive-dsn", "", "postgres DSN of the block archive")

	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()

	path, _ := f.GetString("config")
	cfg, err := zerok.LoadConfig(path)
	if err != nil {
		return err
	}

	// Flags win over both the file and the environment.
	if f.Changed("moniker") {
		cfg.Moniker, _ = f.GetString("moniker")
	}
	if f.Changed("data-dir") {
		cfg.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("in-memory") {
		cfg.InMemory, _ = f.GetBool("in-memory")
	}
	if f.Changed("genesis") {
		cfg.GenesisFile, _ = f.GetString("genesis")
	}
	if f.Changed("signing-key") {
		cfg.SigningKeyFile, _ = f.GetString("signing-key")
	}
	if f.Changed("signer-socket") {
		cfg.SignerSocket, _ = f.GetString("signer-socket")
	}
	if f.Changed("p2p-listen") {
		cfg.P2P.ListenAddrs, _ = f.GetStringSlice("p2p-listen")
	}
	if f.Changed("p2p-seed") {
		cfg.P2P.SeedAddrs, _ = f.GetStringSlice("p2p-seed")
	}
	if f.Changed("http-listen") {
		cfg.HTTP.ListenAddr, _ = f.GetString("http-listen")
	}
	if f.Changed("archive-dsn") {
		cfg.Archive.PostgresDSN, _ = f.GetString("archive-dsn")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := zerok.New(slog.Default(), cfg)
	if err != nil {
		return err
	}

	if err := n.Start(ctx); err != nil {
		return err
	}

	// Wait returns once the node has shut down, whether from a
	// signal or an internal failure.
	n.Wait()
	return n.Close()
}

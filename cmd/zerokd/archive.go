package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsstore/hspebble"
	"github.com/PythonRysh/espresso/zarchive"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive maintenance commands",
}

var archiveBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fill archive gaps from a stopped node's finalization store",
	RunE:  runArchiveBackfill,
}

func init() {
	f := archiveBackfillCmd.Flags()
	f.String("dsn", "", "postgres DSN of the archive")
	f.String("data-dir", "", "data directory of the stopped node")
	f.Uint64("through", 0, "backfill heights up to and including this one")
	archiveBackfillCmd.MarkFlagRequired("dsn")
	archiveBackfillCmd.MarkFlagRequired("data-dir")
	archiveBackfillCmd.MarkFlagRequired("through")

	archiveCmd.AddCommand(archiveBackfillCmd)
	rootCmd.AddCommand(archiveCmd)
}

func runArchiveBackfill(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	dsn, _ := f.GetString("dsn")
	dataDir, _ := f.GetString("data-dir")
	through, _ := f.GetUint64("through")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := zarchive.Open(ctx, slog.Default(), dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := new(ecrypto.Registry)
	ecrypto.RegisterEd25519(reg)

	// The node must be stopped; pebble allows a single process.
	store, err := hspebble.Open(
		filepath.Join(dataDir, "consensus"), hsconsensus.Blake2bHashScheme{}, reg,
	)
	if err != nil {
		return fmt.Errorf("opening finalization store: %w", err)
	}
	defer store.Close()

	bar := progressbar.NewOptions64(
		-1,
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription("Backfilling headers..."),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)
	if err := bar.RenderBlank(); err != nil {
		return err
	}

	n, err := zarchive.Backfill(ctx, slog.Default(), db, store, through,
		func(uint64) { bar.Add(1) },
	)
	if finishErr := bar.Finish(); err == nil {
		err = finishErr
	}
	if err != nil {
		return err
	}

	fmt.Printf("Backfilled %d block headers\n", n)
	return nil
}

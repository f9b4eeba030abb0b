package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/zerok"
	"github.com/PythonRysh/espresso/zsigner"
)

var signerCmd = &cobra.Command{
	Use:   "signer",
	Short: "Run the remote signer daemon",
	RunE:  runSigner,
}

func init() {
	f := signerCmd.Flags()
	f.String("socket", "", "unix socket path to listen on")
	f.String("key", "", "path of the signing key file")
	signerCmd.MarkFlagRequired("socket")
	signerCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(signerCmd)
}

func runSigner(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	socket, _ := f.GetString("socket")
	keyPath, _ := f.GetString("key")

	signer, err := zerok.LoadSigningKey(keyPath)
	if err != nil {
		return err
	}

	reg := new(ecrypto.Registry)
	ecrypto.RegisterEd25519(reg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := zsigner.NewServer(ctx, slog.Default(), signer, reg, socket)
	if err != nil {
		return err
	}

	<-ctx.Done()
	srv.Wait()
	return nil
}

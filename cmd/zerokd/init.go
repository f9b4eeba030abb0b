package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/PythonRysh/espresso/cape"
	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/zerok"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a signing key and a single-validator genesis document",
	RunE:  runInit,
}

func init() {
	f := initCmd.Flags()
	f.String("chain-id", "", "chain identifier")
	f.String("data-dir", ".zerok", "directory receiving the key and genesis")
	f.Int64("power", 1, "voting power of this validator")
	f.String("faucet-owner", "", "base58 address receiving a faucet record")
	f.Uint64("faucet-amount", 0, "native amount placed in the faucet record")
	f.Bool("force", false, "overwrite existing files")
	initCmd.MarkFlagRequired("chain-id")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()

	chainID, _ := f.GetString("chain-id")
	dataDir, _ := f.GetString("data-dir")
	power, _ := f.GetInt64("power")
	faucetOwner, _ := f.GetString("faucet-owner")
	faucetAmount, _ := f.GetUint64("faucet-amount")
	force, _ := f.GetBool("force")

	if power <= 0 {
		return fmt.Errorf("power must be positive, got %d", power)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	keyPath := filepath.Join(dataDir, "signing.key")
	genesisPath := filepath.Join(dataDir, "genesis.json")
	if !force {
		for _, p := range []string{keyPath, genesisPath} {
			if _, err := os.Stat(p); !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%s already exists; pass --force to overwrite", p)
			}
		}
	}

	signer, err := zerok.GenerateSigningKey(keyPath)
	if err != nil {
		return err
	}

	reg := new(ecrypto.Registry)
	ecrypto.RegisterEd25519(reg)

	doc := &zerok.GenesisDoc{
		ChainID: chainID,
		Validators: []zerok.GenesisValidator{{
			PubKey: hex.EncodeToString(reg.Marshal(signer.PubKey())),
			Power:  uint64(power),
		}},
	}

	if faucetOwner != "" {
		if faucetAmount == 0 {
			return errors.New("--faucet-owner requires a positive --faucet-amount")
		}
		raw, err := base58.Decode(faucetOwner)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("faucet owner %q is not a base58 address", faucetOwner)
		}

		blind, err := cape.NewBlind(nil)
		if err != nil {
			return err
		}
		doc.Records = []zerok.GenesisRecord{{
			Amount: faucetAmount,
			Owner:  faucetOwner,
			Blind:  base58.Encode(blind[:]),
		}}
	}

	// Surface doc mistakes now rather than at first start.
	if _, err := doc.CapeState(); err != nil {
		return err
	}

	if err := doc.Save(genesisPath); err != nil {
		return err
	}

	fmt.Printf("Wrote %s and %s\n", keyPath, genesisPath)
	fmt.Printf("Validator address: %s\n", ecrypto.AddressText(signer.PubKey()))
	return nil
}

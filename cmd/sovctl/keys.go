package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidahmann/sovereignty/internal/captoken"
	"github.com/davidahmann/sovereignty/internal/crypto"
)

func newKeygenCmd() *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing seed and print its DID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(out); err == nil && !force {
				return fail(1, fmt.Sprintf("%s exists; use --force to overwrite", out))
			}
			seed := make([]byte, ed25519.SeedSize)
			if _, err := rand.Read(seed); err != nil {
				return fail(1, err.Error())
			}
			if dir := filepath.Dir(out); dir != "." {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fail(1, err.Error())
				}
			}
			if err := crypto.WriteEd25519Seed(out, seed); err != nil {
				return fail(1, err.Error())
			}
			_, pub, err := crypto.KeyPairFromSeed(seed)
			if err != nil {
				return fail(1, err.Error())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s did=%s\n", out, crypto.DIDFromPublicKey(pub))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "keys/ledger.key", "seed output path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Work with capability tokens"}

	var keyPath, kind, subject string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a signed capability token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, _, err := crypto.LoadEd25519PrivateKey(keyPath)
			if err != nil {
				return fail(1, err.Error())
			}
			if subject == "" {
				return fail(2, "--subject is required")
			}
			token, err := captoken.NewMinter(priv).Mint(kind, subject, ttl)
			if err != nil {
				return fail(1, err.Error())
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	mint.Flags().StringVar(&keyPath, "key", "keys/issuer.key", "issuer private key")
	mint.Flags().StringVar(&kind, "kind", "", "token kind declared by the manifest")
	mint.Flags().StringVar(&subject, "subject", "", "subject the token is bound to")
	mint.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")
	cmd.AddCommand(mint)
	return cmd
}

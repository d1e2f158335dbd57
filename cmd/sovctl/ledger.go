package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidahmann/sovereignty/internal/api"
	"github.com/davidahmann/sovereignty/internal/config"
	"github.com/davidahmann/sovereignty/internal/crypto"
	"github.com/davidahmann/sovereignty/internal/kernel"
	"github.com/davidahmann/sovereignty/internal/ledger"
	"github.com/davidahmann/sovereignty/internal/manifest"
)

type ledgerVerifyFlags struct {
	addr         string
	token        string
	jsonOut      bool
	configPath   string
	driver       string
	path         string
	dsn          string
	manifestPath string
	trusted      []string
}

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Inspect the audit ledger"}

	var f ledgerVerifyFlags
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain, signatures and recorded bounds",
		Long: `Verify a ledger either remotely through a running sovereignd (--addr)
or directly from its store (--config, or --driver with --path/--dsn).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				res api.VerifyResponse
				err error
			)
			if f.addr != "" {
				res, err = verifyRemote(f)
			} else {
				res, err = verifyLocal(cmd.Context(), f)
			}
			if err != nil {
				return fail(1, err.Error())
			}
			return printVerify(cmd, res, f.jsonOut)
		},
	}
	verify.Flags().StringVar(&f.addr, "addr", "", "sovereignd address, e.g. "+defaultAddr)
	verify.Flags().StringVar(&f.token, "token", envOrDefault("SOVEREIGN_TOKEN", ""), "bearer token for --addr")
	verify.Flags().BoolVar(&f.jsonOut, "json", false, "print the JSON result")
	verify.Flags().StringVar(&f.configPath, "config", "", "sovereign config file naming the ledger store")
	verify.Flags().StringVar(&f.driver, "driver", config.LedgerFile, "ledger driver: file, sqlite or postgres")
	verify.Flags().StringVar(&f.path, "path", "", "ledger file for the file driver")
	verify.Flags().StringVar(&f.dsn, "dsn", "", "dsn for the sqlite and postgres drivers")
	verify.Flags().StringVar(&f.manifestPath, "manifest", "", "manifest whose risk bounds allowed entries must satisfy")
	verify.Flags().StringSliceVar(&f.trusted, "trust", nil, "trusted signer DID (repeatable)")
	cmd.AddCommand(verify)
	return cmd
}

func verifyRemote(f ledgerVerifyFlags) (api.VerifyResponse, error) {
	body, status, err := httpDo(http.DefaultClient, http.MethodGet, strings.TrimRight(f.addr, "/")+"/v1/ledger/verify", f.token, nil)
	if err != nil {
		return api.VerifyResponse{}, err
	}
	if status != http.StatusOK {
		return api.VerifyResponse{}, fmt.Errorf("verify failed: %s", strings.TrimSpace(string(body)))
	}
	var res api.VerifyResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return api.VerifyResponse{}, fmt.Errorf("invalid response: %w", err)
	}
	return res, nil
}

func verifyLocal(ctx context.Context, f ledgerVerifyFlags) (api.VerifyResponse, error) {
	store := config.LedgerConfig{Driver: f.driver, Path: f.path, DSN: f.dsn}
	driver := f.driver
	manifestPath := f.manifestPath
	trusted := f.trusted
	if f.configPath != "" {
		cfg, err := config.Load(f.configPath)
		if err != nil {
			return api.VerifyResponse{}, err
		}
		store = cfg.Ledger
		driver = cfg.LedgerDriver()
		trusted = append(trusted, cfg.TrustedDIDs...)
		if cfg.SigningKey.PrivateKeyPath != "" {
			_, pub, err := crypto.LoadEd25519PrivateKey(cfg.SigningKey.PrivateKeyPath)
			if err != nil {
				return api.VerifyResponse{}, err
			}
			trusted = append(trusted, crypto.DIDFromPublicKey(pub))
		}
		if manifestPath == "" {
			manifestPath = cfg.ManifestPath
		}
	}
	if driver == config.LedgerMemory {
		return api.VerifyResponse{}, fmt.Errorf("the memory driver has nothing to verify offline")
	}

	bounds := ledger.Unbounded
	if manifestPath != "" {
		m, err := manifest.Load(manifestPath)
		if err != nil {
			return api.VerifyResponse{}, err
		}
		bounds = ledger.RiskBounds{Ceiling: m.Risk.RohCeiling, Monotone: m.Risk.Monotone}
	}

	static, err := ledger.NewStaticKeyring(trusted...)
	if err != nil {
		return api.VerifyResponse{}, err
	}
	s, closer, err := kernel.OpenStore(store, driver)
	if err != nil {
		return api.VerifyResponse{}, err
	}
	if closer != nil {
		defer closer.Close()
	}
	var keyring ledger.Keyring = static
	if keys, ok := s.(ledger.KeyStore); ok {
		keyring = ledger.StoreKeyring{Keys: keys, Anchor: static}
	}

	err = ledger.VerifyStore(ctx, s, keyring, bounds)
	var integrity *ledger.IntegrityError
	if errors.As(err, &integrity) {
		return api.VerifyResponse{Seq: integrity.Seq, Reason: integrity.Reason, Untrusted: integrity.Untrusted}, nil
	}
	if err != nil {
		return api.VerifyResponse{}, err
	}
	last, _, err := s.Last(ctx)
	if err != nil {
		return api.VerifyResponse{}, err
	}
	return api.VerifyResponse{Valid: true, Seq: last.Seq}, nil
}

func printVerify(cmd *cobra.Command, res api.VerifyResponse, jsonOut bool) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		enc := json.NewEncoder(out)
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Fprintf(out, "valid=true seq=%d\n", res.Seq)
	} else {
		fmt.Fprintf(out, "valid=false seq=%d reason=%q untrusted=%v\n", res.Seq, res.Reason, res.Untrusted)
	}
	if !res.Valid {
		return fail(1, "")
	}
	return nil
}

package kernel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/davidahmann/sovereignty/internal/captoken"
	"github.com/davidahmann/sovereignty/internal/config"
	"github.com/davidahmann/sovereignty/internal/crypto"
	"github.com/davidahmann/sovereignty/internal/ledger"
	"github.com/davidahmann/sovereignty/internal/ledger/filestore"
	"github.com/davidahmann/sovereignty/internal/ledger/pgstore"
	"github.com/davidahmann/sovereignty/internal/ledger/sqlstore"
	"github.com/davidahmann/sovereignty/internal/manifest"
)

// BootFromConfig loads the manifest, signing key and ledger store named by
// cfg and boots a kernel over them. opts supplies logging, telemetry and
// clock hooks; its manifest, store, signer and keyring are replaced.
func BootFromConfig(ctx context.Context, cfg config.Config, opts Options) (*Kernel, error) {
	m, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	priv, pub, err := crypto.LoadEd25519PrivateKey(cfg.SigningKey.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	signer := crypto.NewEd25519Signer(priv)

	static, err := ledger.NewStaticKeyring(cfg.TrustedDIDs...)
	if err != nil {
		return nil, err
	}
	static[signer.DID()] = pub

	var verifier *captoken.Verifier
	if path := cfg.Tokens.IssuerPublicKeyPath; path != "" {
		issuer, err := crypto.LoadEd25519PublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load token issuer key: %w", err)
		}
		verifier = captoken.NewVerifier(issuer)
	}

	store, closer, err := OpenStore(cfg.Ledger, cfg.LedgerDriver())
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	fail := func(err error) (*Kernel, error) {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	// Trust is anchored in config; the store's key table can only narrow it.
	var keyring ledger.Keyring = static
	if keys, ok := store.(ledger.KeyStore); ok {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		if err := keys.PutKey(ledger.KeyRecord{KeyID: signer.DID(), PublicKey: pub, CreatedAt: now().UTC().Format(time.RFC3339)}); err != nil {
			return fail(fmt.Errorf("register signer key: %w", err))
		}
		keyring = ledger.StoreKeyring{Keys: keys, Anchor: static}
	}

	opts.Manifest = m
	opts.Store = store
	opts.Signer = signer
	opts.Keyring = keyring
	opts.TokenVerifier = verifier

	k, err := Boot(ctx, opts)
	if err != nil {
		return fail(err)
	}
	if closer != nil {
		k.closers = append(k.closers, closer)
	}
	return k, nil
}

// OpenStore opens the ledger backend for driver. The closer is nil for the
// in-memory store.
func OpenStore(cfg config.LedgerConfig, driver string) (ledger.Store, io.Closer, error) {
	switch driver {
	case config.LedgerMemory:
		return ledger.NewInMemoryStore(), nil, nil
	case config.LedgerFile:
		s, err := filestore.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.LedgerSQLite:
		s, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.LedgerPostgres:
		s, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}
}

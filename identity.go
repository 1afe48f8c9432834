package main

import (
	"crypto/tls"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"plainpair/config"
	"plainpair/crypto"
	"plainpair/keystore"
	"plainpair/storage"
)

// device is everything loaded from the data directory.
type device struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	log     zerolog.Logger

	cert tls.Certificate

	store *storage.Store
	keys  *keystore.Store
}

// loadDevice reads config and keys, creating them on first run, and opens
// the peer database.
func loadDevice(cmd *cobra.Command) (*device, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cmd, cfg)

	privateKey, publicKey, err := crypto.EnsureEd25519KeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare Ed25519 keypair: %w", err)
	}
	x25519Key, err := crypto.EnsureX25519PrivateKey(cfg.X25519PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare X25519 key: %w", err)
	}

	fingerprint := crypto.KeyFingerprint(publicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	cert, err := crypto.SelfSignedCertificate(privateKey, cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	dataDir := filepath.Dir(cfgPath)
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store.SetSecurityEventRetention(cfg.AuditRetention())

	storageKey, err := crypto.DeriveStorageKey(x25519Key)
	if err != nil {
		store.Close()
		return nil, err
	}
	keys, err := keystore.New(store, storageKey, keystore.Options{Logger: logger})
	clear(storageKey)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &device{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		log:     logger,
		cert:    cert,
		store:   store,
		keys:    keys,
	}, nil
}

func (d *device) Close() error {
	return d.store.Close()
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print this device's identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := loadDevice(cmd)
			if err != nil {
				return err
			}
			defer dev.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", dev.cfg.DeviceID)
			fmt.Fprintf(out, "Device Name:     %s\n", dev.cfg.DeviceName)
			fmt.Fprintf(out, "Port Mode:       %s\n", dev.cfg.PortMode)
			fmt.Fprintf(out, "Listening Port:  %d\n", dev.cfg.ListeningPort)
			fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(dev.cfg.KeyFingerprint))
			fmt.Fprintf(out, "Config File:     %s\n", dev.cfgPath)
			fmt.Fprintf(out, "Data Directory:  %s\n", dev.dataDir)
			fmt.Fprintf(out, "Database File:   %s\n", config.DatabasePath(dev.dataDir))
			return nil
		},
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hearth/lib/sealed"
	"github.com/bureau-foundation/hearth/lib/secret"
	"github.com/bureau-foundation/hearth/lib/signing"
	"github.com/bureau-foundation/hearth/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var outDir string
	var keyVersion string
	var recipients []string
	var storeKey bool
	var showVersion bool

	flagSet := pflag.NewFlagSet("hearth-keygen", pflag.ContinueOnError)
	flagSet.StringVar(&outDir, "out-dir", ".", "directory for the generated files")
	flagSet.StringVar(&keyVersion, "key-version", "0", "signing key version label (the key ID becomes ed25519:<version>)")
	flagSet.StringArrayVar(&recipients, "recipient", nil, "additional age public keys to seal to (repeatable)")
	flagSet.BoolVar(&storeKey, "store-key", false, "also generate a sealed 32-byte event store encryption key")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("hearth-keygen")
		return nil
	}

	for _, recipient := range recipients {
		if err := sealed.ParsePublicKey(recipient); err != nil {
			return fmt.Errorf("invalid recipient %q: %w", recipient, err)
		}
	}

	if err := os.MkdirAll(outDir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", outDir, err)
	}

	// The identity that unseals everything. Its own public key is
	// always a recipient, so the generated files are usable without
	// extra escrow.
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating age identity: %w", err)
	}
	defer keypair.Close()
	recipients = append([]string{keypair.PublicKey}, recipients...)

	identityPath := filepath.Join(outDir, "identity.age")
	if err := os.WriteFile(identityPath, []byte(keypair.PrivateKey.String()+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}

	key, err := signing.Generate(keyVersion)
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	defer key.Close()

	signingPath := filepath.Join(outDir, "signing.key")
	if err := key.Seal(signingPath, recipients); err != nil {
		return err
	}

	fmt.Printf("identity:    %s\n", identityPath)
	fmt.Printf("signing key: %s\n", signingPath)
	fmt.Printf("key ID:      %s\n", key.ID)
	fmt.Printf("public key:  %x\n", key.Public)
	fmt.Printf("age public:  %s\n", keypair.PublicKey)

	if storeKey {
		storePath := filepath.Join(outDir, "store.key")
		if err := generateStoreKey(storePath, recipients); err != nil {
			return err
		}
		fmt.Printf("store key:   %s\n", storePath)
	}
	return nil
}

// generateStoreKey seals 32 fresh random bytes for event store at-rest
// encryption.
func generateStoreKey(path string, recipients []string) error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating store key: %w", err)
	}
	defer secret.Zero(raw)

	if err := sealed.SealToFile(path, raw, recipients); err != nil {
		return fmt.Errorf("sealing store key: %w", err)
	}
	return nil
}

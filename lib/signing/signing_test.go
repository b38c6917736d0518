// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/hearth/lib/ref"
	"github.com/bureau-foundation/hearth/lib/sealed"
)

func TestParseKeyID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"ed25519:v1", false},
		{"ed25519:auto_2026", false},
		{"ed25519:A1", false},
		{"", true},
		{"ed25519", true},
		{"ed25519:", true},
		{"rsa:v1", true},
		{"ed25519:has space", true},
		{"ed25519:has:colon", true},
		{"ed25519:dash-ed", true},
	}
	for _, test := range tests {
		id, err := ParseKeyID(test.input)
		if test.wantErr {
			if err == nil {
				t.Errorf("ParseKeyID(%q) = %q, want error", test.input, id)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseKeyID(%q): %v", test.input, err)
			continue
		}
		if id.String() != test.input {
			t.Errorf("ParseKeyID(%q).String() = %q", test.input, id)
		}
	}
}

func TestKeyIDVersion(t *testing.T) {
	id, err := NewKeyID("v3")
	if err != nil {
		t.Fatalf("NewKeyID: %v", err)
	}
	if id.String() != "ed25519:v3" {
		t.Errorf("id = %q, want ed25519:v3", id)
	}
	if id.Version() != "v3" {
		t.Errorf("Version() = %q, want v3", id.Version())
	}
}

func TestSignVerify(t *testing.T) {
	key, err := Generate("v1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer key.Close()

	message := []byte("canonical event bytes")
	signature := key.Sign(message)
	if len(signature) != ed25519.SignatureSize {
		t.Fatalf("signature has %d bytes, want %d", len(signature), ed25519.SignatureSize)
	}

	if !VerifyBytes(key.Public, message, signature) {
		t.Error("VerifyBytes rejected a valid signature")
	}
	if VerifyBytes(key.Public, []byte("tampered"), signature) {
		t.Error("VerifyBytes accepted a signature over different bytes")
	}

	other, err := Generate("v2")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer other.Close()
	if VerifyBytes(other.Public, message, signature) {
		t.Error("VerifyBytes accepted a signature from a different key")
	}
}

func TestSignDeterministic(t *testing.T) {
	key, err := Generate("v1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer key.Close()

	message := []byte("same input")
	if !bytes.Equal(key.Sign(message), key.Sign(message)) {
		t.Error("two signatures over the same bytes differ")
	}
}

func TestSealRoundTrip(t *testing.T) {
	identity, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer identity.Close()

	key, err := Generate("v1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer key.Close()

	path := filepath.Join(t.TempDir(), "signing.key.sealed")
	if err := key.Seal(path, []string{identity.PublicKey}); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	loaded, err := LoadSealed(path, identity.PrivateKey)
	if err != nil {
		t.Fatalf("LoadSealed: %v", err)
	}
	defer loaded.Close()

	if loaded.ID != key.ID {
		t.Errorf("loaded ID = %q, want %q", loaded.ID, key.ID)
	}
	if !loaded.Public.Equal(key.Public) {
		t.Error("loaded public key differs from generated")
	}

	// The loaded key must produce signatures the original's public key
	// accepts.
	message := []byte("signed after reload")
	if !VerifyBytes(key.Public, message, loaded.Sign(message)) {
		t.Error("signature from reloaded key does not verify")
	}
}

func TestLoadSealedWrongIdentity(t *testing.T) {
	right, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer right.Close()
	wrong, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer wrong.Close()

	key, err := Generate("v1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer key.Close()

	path := filepath.Join(t.TempDir(), "signing.key.sealed")
	if err := key.Seal(path, []string{right.PublicKey}); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := LoadSealed(path, wrong.PrivateKey); err == nil {
		t.Error("LoadSealed with wrong identity succeeded, want error")
	}
}

func TestSignaturesAttachAndVerify(t *testing.T) {
	key, err := Generate("v1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer key.Close()

	server := ref.MustParseServerName("hearth.example")
	message := []byte("event bytes")

	var block Signatures
	block = block.Attach(server, key.ID, key.Sign(message))

	if err := block.VerifyServer(server, key.ID, key.Public, message); err != nil {
		t.Errorf("VerifyServer: %v", err)
	}
	if err := block.VerifyServer(server, key.ID, key.Public, []byte("other")); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("VerifyServer over different bytes = %v, want ErrInvalidSignature", err)
	}
	if err := block.VerifyServer(ref.MustParseServerName("absent.example"), key.ID, key.Public, message); !errors.Is(err, ErrNoSignature) {
		t.Errorf("VerifyServer for absent server = %v, want ErrNoSignature", err)
	}
}

func TestSignaturesValidateStructure(t *testing.T) {
	validSig := base64.RawURLEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))

	tests := []struct {
		name    string
		block   Signatures
		wantErr bool
	}{
		{"nil block", nil, false},
		{"valid", Signatures{"hearth.example": {"ed25519:v1": validSig}}, false},
		{"two servers", Signatures{
			"a.example": {"ed25519:v1": validSig},
			"b.example": {"ed25519:auto": validSig},
		}, false},
		{"invalid server name", Signatures{"not a server!": {"ed25519:v1": validSig}}, true},
		{"empty server entry", Signatures{"hearth.example": {}}, true},
		{"bad key id", Signatures{"hearth.example": {"rsa:v1": validSig}}, true},
		{"not base64", Signatures{"hearth.example": {"ed25519:v1": "%%%"}}, true},
		{"wrong length", Signatures{"hearth.example": {"ed25519:v1": base64.RawURLEncoding.EncodeToString([]byte("short"))}}, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.block.ValidateStructure()
			if test.wantErr && err == nil {
				t.Error("ValidateStructure = nil, want error")
			}
			if !test.wantErr && err != nil {
				t.Errorf("ValidateStructure = %v, want nil", err)
			}
		})
	}
}

func TestSignaturesCopy(t *testing.T) {
	key, err := Generate("v1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer key.Close()

	server := ref.MustParseServerName("hearth.example")
	var block Signatures
	block = block.Attach(server, key.ID, key.Sign([]byte("bytes")))

	copied := block.Copy()
	copied[server.String()]["ed25519:v1"] = "mutated"
	if block[server.String()]["ed25519:v1"] == "mutated" {
		t.Error("mutating the copy changed the original")
	}

	if got := Signatures(nil).Copy(); got != nil {
		t.Errorf("nil.Copy() = %v, want nil", got)
	}
}

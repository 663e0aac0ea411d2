package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreate_GeneratesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".bismuth.key")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(first.Address) != 56 {
		t.Errorf("address length = %d, want 56", len(first.Address))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("keyfile not written: %v", err)
	}

	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if first.Address != second.Address {
		t.Errorf("address changed across load: %s != %s", first.Address, second.Address)
	}
	if first.PublicKeyHashed != second.PublicKeyHashed {
		t.Error("public key changed across load")
	}
}

func TestLoadOrCreate_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	if err := os.WriteFile(path, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreate(path); err == nil {
		t.Fatal("expected error for corrupt keyfile")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := []byte("('1495404043.80', 'a', 'a', '0.00000000', '0', 'nonce')")
	sig, err := id.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := id.Verify(payload, sig); err != nil {
		t.Errorf("verify: %v", err)
	}
	if err := id.Verify([]byte("tampered"), sig); err == nil {
		t.Error("verify accepted a tampered payload")
	}
}

func TestPublicPEMHasNoTrailingNewline(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if bytes.HasSuffix(id.PublicPEM, []byte("\n")) {
		t.Error("public PEM ends with a newline")
	}
	if !bytes.HasPrefix(id.PublicPEM, []byte("-----BEGIN PUBLIC KEY-----")) {
		t.Errorf("unexpected PEM header: %q", id.PublicPEM[:30])
	}
}

// Package identity holds the pool's signing keypair.
package identity

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// keyBits matches the key size the Bismuth wallet generates.
const keyBits = 1024

// Identity is an RSA keypair plus the values derived from it.
type Identity struct {
	key *rsa.PrivateKey

	// PublicPEM is the exported public key, as hashed for the address.
	PublicPEM []byte
	// Address is the hex SHA-224 of PublicPEM.
	Address string
	// PublicKeyHashed is PublicPEM in base64, as carried in transactions.
	PublicKeyHashed string
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return fromKey(key)
}

// LoadOrCreate loads the keyfile at path, generating and saving a new key
// when the file does not exist.
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, id.PrivatePEM(), 0600); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a PEM private key (PKCS#1 or PKCS#8).
func Parse(data []byte) (*Identity, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("identity: no PEM block in keyfile")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("identity: parse key: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("identity: parse key: %w", err)
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("identity: keyfile is not an RSA key")
		}
		key = rsaKey
	default:
		return nil, fmt.Errorf("identity: unsupported PEM block %q", block.Type)
	}
	return fromKey(key)
}

func fromKey(key *rsa.PrivateKey) (*Identity, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("identity: export public key: %w", err)
	}
	pub := exportPEM("PUBLIC KEY", der)
	sum := sha256.Sum224(pub)
	return &Identity{
		key:             key,
		PublicPEM:       pub,
		Address:         hex.EncodeToString(sum[:]),
		PublicKeyHashed: base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// PrivatePEM exports the private key in PKCS#1 PEM form.
func (id *Identity) PrivatePEM() []byte {
	return exportPEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(id.key))
}

// Sign returns the base64 PKCS#1 v1.5 signature over SHA-1(payload).
func (id *Identity) Sign(payload []byte) (string, error) {
	digest := sha1.Sum(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, id.key, crypto.SHA1, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature produced by Sign.
func (id *Identity) Verify(payload []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha1.Sum(payload)
	return rsa.VerifyPKCS1v15(&id.key.PublicKey, crypto.SHA1, digest[:], sig)
}

// exportPEM encodes without the trailing newline, matching the exported
// form the network hashes.
func exportPEM(typ string, der []byte) []byte {
	return bytes.TrimRight(pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), "\n")
}

// Package custody generates and reconstructs the keypairs that hold escrowed
// funds. Private keys only leave this package sealed under the master key;
// the sealed form is bound to the custody address so a ciphertext cannot be
// swapped onto another escrow row.
package custody

import (
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidMasterKey = errors.New("custody: master key must be 32 bytes (64 hex chars)")
	ErrSealedKeyInvalid = errors.New("custody: sealed key is malformed or was tampered with")
)

// Keypair is a custody account. It is never serialized.
type Keypair struct {
	address string
	key     *ecdsa.PrivateKey
}

// Address returns the lower-case hex address of the keypair.
func (k *Keypair) Address() string { return k.address }

// PrivateKey returns the signing key. Only the ledger client should call this.
func (k *Keypair) PrivateKey() *ecdsa.PrivateKey { return k.key }

// String never prints key material.
func (k *Keypair) String() string { return "custody(" + k.address + ")" }

// Vault generates custody keypairs and seals them for storage.
type Vault struct {
	aead cipher.AEAD
}

// NewVault creates a vault from a hex-encoded 32-byte master key.
func NewVault(masterKeyHex string) (*Vault, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(masterKeyHex, "0x"))
	if err != nil || len(raw) != chacha20poly1305.KeySize {
		return nil, ErrInvalidMasterKey
	}
	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, fmt.Errorf("custody: init cipher: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Generate creates a fresh keypair and returns it with its sealed secret.
func (v *Vault) Generate() (*Keypair, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("custody: generate key: %w", err)
	}
	kp := &Keypair{
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
		key:     key,
	}
	sealed, err := v.seal(kp)
	if err != nil {
		return nil, "", err
	}
	return kp, sealed, nil
}

// Open reconstructs the keypair for address from its sealed secret.
func (v *Vault) Open(address, sealed string) (*Keypair, error) {
	blob, err := hex.DecodeString(sealed)
	if err != nil || len(blob) < v.aead.NonceSize() {
		return nil, ErrSealedKeyInvalid
	}
	nonce, ciphertext := blob[:v.aead.NonceSize()], blob[v.aead.NonceSize():]
	addr := strings.ToLower(address)

	plain, err := v.aead.Open(nil, nonce, ciphertext, []byte(addr))
	if err != nil {
		return nil, ErrSealedKeyInvalid
	}
	key, err := crypto.ToECDSA(plain)
	if err != nil {
		return nil, ErrSealedKeyInvalid
	}
	derived := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	if derived != addr {
		return nil, ErrSealedKeyInvalid
	}
	return &Keypair{address: derived, key: key}, nil
}

func (v *Vault) seal(kp *Keypair) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("custody: nonce: %w", err)
	}
	plain := crypto.FromECDSA(kp.key)
	out := v.aead.Seal(nonce, nonce, plain, []byte(kp.address))
	return hex.EncodeToString(out), nil
}

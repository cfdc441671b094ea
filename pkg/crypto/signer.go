// Package crypto signs and verifies audit records with ed25519 keys kept
// under a key directory.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Alg is the only supported signature algorithm.
const Alg = "ed25519"

// Signature is a detached signature over a payload.
type Signature struct {
	Alg      string `json:"alg"`
	PubKeyID string `json:"pubkey_id"`
	Sig      string `json:"sig"`
}

// Validate checks that every field is present and supported.
func (s Signature) Validate() error {
	if s.Alg != Alg {
		return fmt.Errorf("unsupported signature algorithm %q", s.Alg)
	}
	if s.PubKeyID == "" {
		return errors.New("pubkey_id required")
	}
	if s.Sig == "" {
		return errors.New("sig required")
	}
	return nil
}

// Signer holds one ed25519 key pair.
type Signer struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	KeyID      string
}

// NewSigner loads keyDir/keyID.key, generating and storing a new key if the
// file does not exist.
func NewSigner(keyDir, keyID string) (*Signer, error) {
	path, err := keyPath(keyDir, keyID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}

	var privateKey ed25519.PrivateKey
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("key %s: invalid private key size", keyID)
		}
		privateKey = ed25519.PrivateKey(data)
	case errors.Is(err, os.ErrNotExist):
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		privateKey = priv
		if err := os.WriteFile(path, []byte(privateKey), 0600); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return &Signer{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
		KeyID:      keyID,
	}, nil
}

// Sign returns a detached signature over payload.
func (s *Signer) Sign(payload []byte) Signature {
	return Signature{
		Alg:      Alg,
		PubKeyID: s.KeyID,
		Sig:      base64.StdEncoding.EncodeToString(ed25519.Sign(s.PrivateKey, payload)),
	}
}

// Verify checks sig over payload using the key it names in keyDir.
func Verify(keyDir string, sig Signature, payload []byte) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	pub, err := loadPublicKey(keyDir, sig.PubKeyID)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sigBytes) {
		return errors.New("invalid signature")
	}
	return nil
}

func loadPublicKey(keyDir, keyID string) (ed25519.PublicKey, error) {
	path, err := keyPath(keyDir, keyID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	priv := ed25519.PrivateKey(data)
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key %s: invalid private key size", keyID)
	}
	return priv.Public().(ed25519.PublicKey), nil
}

func keyPath(keyDir, keyID string) (string, error) {
	if keyDir == "" {
		return "", errors.New("key directory required")
	}
	if keyID == "" || strings.ContainsAny(keyID, `/\`) || keyID == "." || keyID == ".." {
		return "", fmt.Errorf("invalid key id %q", keyID)
	}
	return filepath.Join(keyDir, keyID+".key"), nil
}

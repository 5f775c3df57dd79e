package vault

import (
	"encoding/json"
	"time"

	"github.com/orbitwallet/orbitd/werr"
)

const (
	// Algorithm is the password sealing algorithm: PBKDF2-SHA256 key
	// stretching feeding AES-256-GCM.
	Algorithm = "pbkdf2-sha256/aes-256-gcm"

	// BlobAlgorithm is the sealing algorithm for blobs encrypted under
	// the unlocked root secret rather than a password: HKDF-SHA256
	// expansion feeding AES-256-GCM. The Iterations field is fixed at
	// MinIterations for these since no stretching is involved.
	BlobAlgorithm = "hkdf-sha256/aes-256-gcm"

	// SaltSize is the per-ciphertext random salt length in bytes.
	SaltSize = 32

	// NonceSize is the AES-GCM nonce length in bytes.
	NonceSize = 12

	// KeySize is the derived AES-256 key length in bytes.
	KeySize = 32

	// MinIterations is the smallest iteration count a ciphertext may
	// carry and still be accepted as structurally valid. Test configs
	// crank the *encryption* count down but never below this.
	MinIterations = 1000

	// DefaultIterations is the PBKDF2 iteration count used for newly
	// produced ciphertexts unless configured otherwise.
	DefaultIterations = 600_000
)

// Ciphertext is the encrypted form of the wallet's root secret, together
// with everything needed to re-derive the sealing key from a password.
type Ciphertext struct {
	// Algorithm identifies the KDF/cipher pair.
	Algorithm string `json:"algorithm"`

	// Salt is the random per-ciphertext KDF salt.
	Salt []byte `json:"salt"`

	// Iterations is the PBKDF2 iteration count used.
	Iterations uint32 `json:"iterations"`

	// Nonce is the random per-ciphertext AES-GCM nonce.
	Nonce []byte `json:"nonce"`

	// Data is the authenticated ciphertext, tag included.
	Data []byte `json:"data"`

	// CreatedAt is when the ciphertext was produced.
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the ciphertext's structure without attempting to decrypt
// it. A failure maps to the VaultInvalidCiphertext reason.
func (c *Ciphertext) Validate() error {
	switch {
	case c == nil:
		return werr.New(werr.VaultInvalidCiphertext, "nil ciphertext")

	case c.Algorithm != Algorithm && c.Algorithm != BlobAlgorithm:
		return werr.Newf(werr.VaultInvalidCiphertext,
			"unknown algorithm %q", c.Algorithm)

	case len(c.Salt) != SaltSize:
		return werr.Newf(werr.VaultInvalidCiphertext,
			"salt must be %d bytes, got %d", SaltSize, len(c.Salt))

	case c.Iterations < MinIterations:
		return werr.Newf(werr.VaultInvalidCiphertext,
			"iteration count %d below minimum %d", c.Iterations,
			MinIterations)

	case len(c.Nonce) != NonceSize:
		return werr.Newf(werr.VaultInvalidCiphertext,
			"nonce must be %d bytes, got %d", NonceSize,
			len(c.Nonce))

	case len(c.Data) == 0:
		return werr.New(werr.VaultInvalidCiphertext, "empty payload")
	}

	return nil
}

// Marshal serializes the ciphertext for the VaultMeta port.
func (c *Ciphertext) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// ParseCiphertext deserializes and structurally validates a stored
// ciphertext.
func ParseCiphertext(raw []byte) (*Ciphertext, error) {
	var c Ciphertext
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, werr.Wrap(werr.VaultInvalidCiphertext,
			"decode ciphertext", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

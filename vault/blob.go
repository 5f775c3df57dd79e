package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/orbitwallet/orbitd/werr"
)

// blobInfo domain-separates blob sealing keys from any other use of the
// root secret.
const blobInfo = "orbitd/vault/blob/v1"

// SealBlob encrypts an arbitrary blob under a key derived from the unlocked
// root secret. Keyring material is stored this way so it is only ever
// readable while the vault is unlocked. Fails with VaultLocked otherwise.
func (v *Vault) SealBlob(blob []byte) (*Ciphertext, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.secret == nil {
		return nil, werr.New(werr.VaultLocked, "vault is locked")
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("unable to generate salt: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("unable to generate nonce: %w", err)
	}

	aead, err := newBlobAEAD(v.secret.view(), salt)
	if err != nil {
		return nil, err
	}

	return &Ciphertext{
		Algorithm:  BlobAlgorithm,
		Salt:       salt,
		Iterations: MinIterations,
		Nonce:      nonce,
		Data:       aead.Seal(nil, nonce, blob, nil),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// OpenBlob decrypts a blob previously produced by SealBlob. Fails with
// VaultLocked while locked and VaultInvalidCiphertext when the blob does not
// authenticate against the current root secret.
func (v *Vault) OpenBlob(ct *Ciphertext) ([]byte, error) {
	if err := ct.Validate(); err != nil {
		return nil, err
	}
	if ct.Algorithm != BlobAlgorithm {
		return nil, werr.Newf(werr.VaultInvalidCiphertext,
			"not a blob ciphertext: %q", ct.Algorithm)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.secret == nil {
		return nil, werr.New(werr.VaultLocked, "vault is locked")
	}

	aead, err := newBlobAEAD(v.secret.view(), ct.Salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, ct.Nonce, ct.Data, nil)
	if err != nil {
		return nil, werr.New(werr.VaultInvalidCiphertext,
			"blob did not authenticate")
	}
	return plaintext, nil
}

// newBlobAEAD expands the root secret into an AES-256-GCM instance.
func newBlobAEAD(secret, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, secret, salt, []byte(blobInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("unable to expand blob key: %w", err)
	}
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("unable to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

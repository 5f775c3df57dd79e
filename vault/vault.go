// Package vault implements custody of the wallet's root secret. The secret
// only ever exists in plaintext inside this package while the vault is
// unlocked; everything else sees either the password-sealed ciphertext or a
// short-lived borrowed view handed out for the duration of a signing call.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/orbitwallet/orbitd/ports"
	"github.com/orbitwallet/orbitd/werr"
)

const (
	// MinPasswordLen is the minimum accepted password length.
	MinPasswordLen = 8

	// RootSecretSize is the size of a freshly generated root secret.
	RootSecretSize = 32
)

// Status reports the externally visible vault state.
type Status struct {
	// Unlocked is true while the decrypted secret is resident.
	Unlocked bool

	// HasCiphertext is true once the vault has been initialized or a
	// ciphertext has been imported.
	HasCiphertext bool
}

// Config bundles the vault's construction parameters.
type Config struct {
	// Iterations is the PBKDF2 iteration count for newly produced
	// ciphertexts. Zero selects DefaultIterations.
	Iterations uint32

	// Store persists the ciphertext. A nil store leaves the vault
	// ephemeral, which the tests use.
	Store ports.VaultMeta
}

// Vault holds the ciphertext and, while unlocked, the decrypted secret.
type Vault struct {
	mu sync.Mutex

	iterations uint32
	store      ports.VaultMeta

	ciphertext *Ciphertext
	secret     *secretBuf
}

// New constructs a locked, uninitialized vault.
func New(cfg Config) *Vault {
	iterations := cfg.Iterations
	if iterations == 0 {
		iterations = DefaultIterations
	}
	return &Vault{
		iterations: iterations,
		store:      cfg.Store,
	}
}

// Load restores a previously persisted ciphertext from the VaultMeta port.
// A missing record is not an error; the vault simply stays uninitialized.
func (v *Vault) Load(ctx context.Context) error {
	if v.store == nil {
		return nil
	}

	rec, err := v.store.Get(ctx)
	switch {
	case errors.Is(err, ports.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load vault meta: %w", err)
	}

	ct, err := ParseCiphertext(rec.Ciphertext)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.ciphertext = ct

	log.Infof("Restored vault ciphertext created %v", ct.CreatedAt)
	return nil
}

// ValidatePassword assures the password meets all of our constraints.
func ValidatePassword(password []byte) error {
	if len(password) < MinPasswordLen {
		return werr.Newf(werr.VaultInvalidPassword,
			"password must have at least %d characters",
			MinPasswordLen)
	}
	return nil
}

// Initialize seals a root secret under the given password and makes it the
// vault's ciphertext. When no secret is supplied a fresh random one is
// generated. The vault comes out of initialization unlocked. Fails with
// VaultAlreadyInitialized when a ciphertext already exists.
func (v *Vault) Initialize(ctx context.Context, password []byte,
	secret fn.Option[[]byte]) (*Ciphertext, error) {

	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ciphertext != nil {
		return nil, werr.New(werr.VaultAlreadyInitialized,
			"vault already holds a ciphertext")
	}

	var (
		buf *secretBuf
		err error
	)
	if secret.IsSome() {
		buf = newSecretBuf(secret.UnsafeFromSome())
	} else {
		buf, err = randomSecretBuf(RootSecretSize)
		if err != nil {
			return nil, err
		}
	}

	ct, err := seal(password, buf.view(), v.iterations)
	if err != nil {
		buf.zero()
		return nil, err
	}

	if err := v.persist(ctx, ct); err != nil {
		buf.zero()
		return nil, err
	}

	v.ciphertext = ct
	v.secret = buf

	log.Info("Vault initialized and unlocked")
	return ct, nil
}

// Unlock derives the sealing key from the password and decrypts the stored
// ciphertext, or the supplied override. On success the vault holds the
// secret and returns a borrowed view of it; the view is zeroized on Lock and
// must not be retained. A failed authentication yields VaultInvalidPassword
// and no partial plaintext. The GCM tag comparison happens inside the AEAD
// open and is constant time with respect to password correctness.
func (v *Vault) Unlock(_ context.Context, password []byte,
	override fn.Option[*Ciphertext]) ([]byte, error) {

	v.mu.Lock()
	defer v.mu.Unlock()

	ct := v.ciphertext
	override.WhenSome(func(c *Ciphertext) { ct = c })

	if ct == nil {
		return nil, werr.New(werr.VaultNotInitialized,
			"no ciphertext to unlock")
	}
	if err := ct.Validate(); err != nil {
		return nil, err
	}

	plaintext, err := open(password, ct)
	if err != nil {
		log.Warnf("Vault unlock failed authentication")
		return nil, err
	}

	if v.secret != nil {
		v.secret.zero()
	}
	v.secret = newSecretBuf(plaintext)
	zeroBytes(plaintext)

	log.Info("Vault unlocked")
	return v.secret.view(), nil
}

// Lock discards the in-memory secret, zeroizing it in place so any views
// borrowed earlier read as zeroes.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.secret == nil {
		return
	}
	v.secret.zero()
	v.secret = nil

	log.Info("Vault locked")
}

// Seal encrypts an arbitrary secret under the given password with a fresh
// salt and nonce. It never touches the vault's own ciphertext or unlock
// state; keyring material and backup exports go through here.
func (v *Vault) Seal(_ context.Context, password,
	secret []byte) (*Ciphertext, error) {

	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	return seal(password, secret, v.iterations)
}

// ExportKey returns a borrowed view of the decrypted root secret. Fails with
// VaultLocked while locked. Callers must not retain the view.
func (v *Vault) ExportKey() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.secret == nil {
		return nil, werr.New(werr.VaultLocked, "vault is locked")
	}
	return v.secret.view(), nil
}

// ImportCiphertext replaces the vault's ciphertext with an externally
// supplied one, locking the vault. The previous secret, if any, is
// discarded.
func (v *Vault) ImportCiphertext(ctx context.Context, ct *Ciphertext) error {
	if err := ct.Validate(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.persist(ctx, ct); err != nil {
		return err
	}

	if v.secret != nil {
		v.secret.zero()
		v.secret = nil
	}
	v.ciphertext = ct

	log.Info("Vault ciphertext imported, vault locked")
	return nil
}

// GetStatus reports the vault state.
func (v *Vault) GetStatus() Status {
	v.mu.Lock()
	defer v.mu.Unlock()

	return Status{
		Unlocked:      v.secret != nil,
		HasCiphertext: v.ciphertext != nil,
	}
}

// persist writes the ciphertext through the VaultMeta port. Callers must
// hold the mutex.
func (v *Vault) persist(ctx context.Context, ct *Ciphertext) error {
	if v.store == nil {
		return nil
	}

	raw, err := ct.Marshal()
	if err != nil {
		return fmt.Errorf("marshal ciphertext: %w", err)
	}
	return v.store.Put(ctx, &ports.VaultMetaRecord{
		Ciphertext: raw,
		UpdatedAt:  time.Now().UTC(),
	})
}

// seal runs the KDF and AEAD over the secret with fresh randomness.
func seal(password, secret []byte, iterations uint32) (*Ciphertext, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("unable to generate salt: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("unable to generate nonce: %w", err)
	}

	aead, err := newAEAD(password, salt, iterations)
	if err != nil {
		return nil, err
	}

	return &Ciphertext{
		Algorithm:  Algorithm,
		Salt:       salt,
		Iterations: iterations,
		Nonce:      nonce,
		Data:       aead.Seal(nil, nonce, secret, nil),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// open re-derives the sealing key and authenticates the ciphertext. The
// plaintext is only returned when the authentication tag verifies.
func open(password []byte, ct *Ciphertext) ([]byte, error) {
	aead, err := newAEAD(password, ct.Salt, ct.Iterations)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, ct.Nonce, ct.Data, nil)
	if err != nil {
		return nil, werr.New(werr.VaultInvalidPassword,
			"ciphertext did not authenticate")
	}
	return plaintext, nil
}

// newAEAD stretches the password into an AES-256-GCM instance.
func newAEAD(password, salt []byte, iterations uint32) (cipher.AEAD, error) {
	key := pbkdf2.Key(password, salt, int(iterations), KeySize, sha256.New)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("unable to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

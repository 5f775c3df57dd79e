package vault

import (
	"crypto/rand"
	"fmt"
)

// secretBuf owns the decrypted root secret while the vault is unlocked. The
// vault is the only mutator; callers of Secret borrow the view for the
// duration of one call and must not retain it past that call, since Lock
// zeroizes the buffer in place.
type secretBuf struct {
	data []byte
}

// newSecretBuf copies the given secret into a fresh owned buffer.
func newSecretBuf(secret []byte) *secretBuf {
	data := make([]byte, len(secret))
	copy(data, secret)
	return &secretBuf{data: data}
}

// randomSecretBuf fills a fresh buffer with n random bytes.
func randomSecretBuf(n int) (*secretBuf, error) {
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("unable to generate secret: %w", err)
	}
	return &secretBuf{data: data}, nil
}

// view returns the borrowed secret bytes.
func (s *secretBuf) view() []byte {
	return s.data
}

// zero overwrites the secret in place so released copies of the backing
// array hold nothing recoverable.
func (s *secretBuf) zero() {
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}

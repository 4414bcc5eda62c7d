// Package crypto holds the primitives the auth core builds on: Argon2id
// password hashing, AES-256-GCM field encryption, HKDF key derivation and
// peppered blind indexes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters per the OWASP password storage recommendations.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
)

const keyLen = 32

// DerivedKeys are the purpose-bound keys expanded from the master
// encryption key. Each protected field class gets its own key, so a leak
// of one derived key never exposes the others.
type DerivedKeys struct {
	EmailKey []byte // email addresses at rest
	TOTPKey  []byte // TOTP shared secrets
	IPKey    []byte // client IPs in sessions and audit rows
	MetaKey  []byte // keyed hashes: rate-limit keys, user-agent digests
}

// DeriveKeys expands a 32-byte master key into the purpose keys via
// HKDF-SHA256. The info strings are fixed; changing them re-keys every
// stored ciphertext.
func DeriveKeys(mek []byte) (DerivedKeys, error) {
	if len(mek) != keyLen {
		return DerivedKeys{}, errors.New("master encryption key must be 32 bytes")
	}

	var keys DerivedKeys
	for _, p := range []struct {
		info string
		dst  *[]byte
	}{
		{"dek_email", &keys.EmailKey},
		{"dek_totp", &keys.TOTPKey},
		{"dek_ip", &keys.IPKey},
		{"dek_meta", &keys.MetaKey},
	} {
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(hkdf.New(sha256.New, mek, nil, []byte(p.info)), key); err != nil {
			return DerivedKeys{}, err
		}
		*p.dst = key
	}
	return keys, nil
}

// Encrypt seals plaintext with AES-256-GCM under a random nonce. Both the
// ciphertext and the nonce are needed to decrypt.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens an AES-256-GCM ciphertext. Tampered input fails
// authentication and returns an error.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// HashWithPepper computes SHA-256(input || pepper). It backs the blind
// indexes: equality lookups over encrypted fields without a usable rainbow
// table.
func HashWithPepper(input string, pepper []byte) []byte {
	h := sha256.New()
	h.Write([]byte(input))
	h.Write(pepper)
	return h.Sum(nil)
}

// HashToken digests a verification or reset token for storage; the raw
// token only ever travels in the mailed link.
func HashToken(input string) []byte {
	sum := sha256.Sum256([]byte(input))
	return sum[:]
}

// GenerateSalt returns a random per-credential salt.
func GenerateSalt(size int) ([]byte, error) {
	if size < 8 {
		return nil, errors.New("salt size must be at least 8 bytes")
	}
	return RandomBytes(size)
}

// HashPassword derives the stored credential with Argon2id.
func HashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword recomputes the hash for the candidate password and
// compares in constant time. Malformed stored material fails the check, it
// never panics.
func VerifyPassword(password string, hash, salt []byte) bool {
	if len(hash) == 0 {
		return false
	}
	return ConstantTimeEquals(HashPassword(password, salt), hash)
}

// ConstantTimeEquals reports a == b without a data-dependent early exit.
func ConstantTimeEquals(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// RandomBytes reads size bytes from the system CSPRNG.
func RandomBytes(size int) ([]byte, error) {
	if size < 1 {
		return nil, errors.New("size must be positive")
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomToken returns a hex token built from length random bytes.
func RandomToken(length int) (string, error) {
	b, err := RandomBytes(length)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MaskEmail reduces an address to a loggable hint, e.g. ja****@sc****.
// Inputs too short to mask meaningfully collapse to "***".
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***"
	}

	local, domain := email[:at], email[at+1:]
	if domain == "" {
		return local[:1] + "***@***"
	}

	masked := local[:2] + "****@"
	if len(domain) >= 2 {
		return masked + domain[:2] + "****"
	}
	return masked + "****"
}

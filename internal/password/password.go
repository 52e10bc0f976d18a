// Package password hashes and verifies user credentials with bcrypt.
package password

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"
)

// DefaultRounds is the bcrypt cost used when none is configured.
const DefaultRounds = 10

// saltLength is the length of the "$2a$NN$" prefix plus the 22 character salt.
const saltLength = 29

// Encoding selects how a password is prepared before hashing.
type Encoding string

const (
	// EncodingUTF8 hashes the raw UTF-8 bytes of the password.
	EncodingUTF8 Encoding = "utf-8"
	// EncodingPrecis normalises the password with the PRECIS OpaqueString profile.
	EncodingPrecis Encoding = "precis"
)

// ErrEmptyPassword is returned when hashing an empty password.
var ErrEmptyPassword = errors.New("password: empty password")

// Hasher hashes passwords with a fixed cost and encoding.
type Hasher struct {
	Rounds   int
	Encoding Encoding
}

// NewHasher returns a Hasher with the given cost, clamped to bcrypt's bounds.
func NewHasher(rounds int, encoding Encoding) Hasher {
	if rounds == 0 {
		rounds = DefaultRounds
	}
	if rounds < bcrypt.MinCost {
		rounds = bcrypt.MinCost
	}
	if rounds > bcrypt.MaxCost {
		rounds = bcrypt.MaxCost
	}
	if encoding == "" {
		encoding = EncodingUTF8
	}
	return Hasher{Rounds: rounds, Encoding: encoding}
}

// Hash generates a new salted hash. The returned salt is the bcrypt prefix
// embedded in the hash and is stored alongside it.
func (h Hasher) Hash(password string) (hash, salt string, err error) {
	if password == "" {
		return "", "", ErrEmptyPassword
	}
	prepared, err := h.prepare(password)
	if err != nil {
		return "", "", err
	}
	rounds := h.Rounds
	if rounds == 0 {
		rounds = DefaultRounds
	}
	out, err := bcrypt.GenerateFromPassword(prepared, rounds)
	if err != nil {
		return "", "", fmt.Errorf("password: hash: %w", err)
	}
	return string(out), string(out[:saltLength]), nil
}

// Verify reports whether password matches the stored hash and salt.
func (h Hasher) Verify(password, hash, salt string) bool {
	if password == "" || len(hash) < saltLength || len(salt) != saltLength {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(hash[:saltLength]), []byte(salt)) != 1 {
		return false
	}
	prepared, err := h.prepare(password)
	if err != nil {
		return false
	}
	// CompareHashAndPassword re-derives the hash from the salt embedded in hash
	// and compares in constant time.
	return bcrypt.CompareHashAndPassword([]byte(hash), prepared) == nil
}

func (h Hasher) prepare(password string) ([]byte, error) {
	if h.Encoding != EncodingPrecis {
		return []byte(password), nil
	}
	normalised, err := precis.OpaqueString.String(password)
	if err != nil {
		return nil, fmt.Errorf("password: normalise: %w", err)
	}
	return []byte(normalised), nil
}

// Hash hashes password with the given rounds using the default encoding.
func Hash(password string, rounds int) (hash, salt string, err error) {
	return NewHasher(rounds, EncodingUTF8).Hash(password)
}

// Verify checks password against hash and salt using the default encoding.
func Verify(password, hash, salt string) bool {
	return NewHasher(DefaultRounds, EncodingUTF8).Verify(password, hash, salt)
}

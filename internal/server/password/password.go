// Package password hashes and verifies user passwords with bcrypt or
// argon2id. Verification dispatches on the stored hash format, so changing
// the configured algorithm never locks out existing users.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

// Hasher hashes new passwords and verifies presented ones.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hashed string) bool
}

// Argon2Params are the argon2id tuning parameters.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

var DefaultArgon2Params = Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLen: 32, SaltLen: 16}

type hasher struct {
	algorithm  string
	bcryptCost int
	argon      Argon2Params
}

// New returns a Hasher producing hashes with algorithm. Either kind of hash
// is accepted by Verify.
func New(algorithm string, bcryptCost int) (Hasher, error) {
	switch algorithm {
	case AlgorithmBcrypt:
		if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
			return nil, fmt.Errorf("bcrypt cost %d out of range", bcryptCost)
		}
	case AlgorithmArgon2id:
	default:
		return nil, fmt.Errorf("unknown password algorithm %q", algorithm)
	}
	return &hasher{algorithm: algorithm, bcryptCost: bcryptCost, argon: DefaultArgon2Params}, nil
}

func (h *hasher) Hash(plaintext string) (string, error) {
	if h.algorithm == AlgorithmArgon2id {
		return hashArgon2id(plaintext, h.argon)
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.bcryptCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", ErrTooLong
	}
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(b), nil
}

func (h *hasher) Verify(plaintext, hashed string) bool {
	switch {
	case strings.HasPrefix(hashed, "$argon2id$"):
		return verifyArgon2id(plaintext, hashed)
	case strings.HasPrefix(hashed, "$2a$"), strings.HasPrefix(hashed, "$2b$"), strings.HasPrefix(hashed, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plaintext)) == nil
	default:
		return false
	}
}

// ErrTooLong is returned by bcrypt hashers for passwords over 72 bytes.
var ErrTooLong = errors.New("password exceeds 72 bytes")

var errMalformedHash = errors.New("malformed argon2id hash")

// Upper bounds on stored argon2id parameters. Memory is in KiB.
const (
	maxArgon2Memory = 1 << 20
	maxArgon2Time   = 10
)

// hashArgon2id encodes in the PHC string format:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
func hashArgon2id(plaintext string, p Argon2Params) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, p.Time, p.Memory, p.Threads, p.KeyLen)

	enc := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads, enc.EncodeToString(salt), enc.EncodeToString(key)), nil
}

func verifyArgon2id(plaintext, encoded string) bool {
	p, salt, key, err := decodeArgon2id(encoded)
	if err != nil {
		return false
	}
	other := argon2.IDKey([]byte(plaintext), salt, p.Time, p.Memory, p.Threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(key, other) == 1
}

func decodeArgon2id(encoded string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return p, nil, nil, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, errMalformedHash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, errMalformedHash
	}
	if p.Time == 0 || p.Threads == 0 || p.Time > maxArgon2Time || p.Memory > maxArgon2Memory {
		return p, nil, nil, errMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, errMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, errMalformedHash
	}

	return p, salt, key, nil
}

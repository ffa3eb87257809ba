package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2Params are the memory-hard KDF parameters, tuned for roughly
// 100ms+ on modern hardware (spec.md §4.2). Time/Memory are deliberately
// conservative defaults; hashPasswordWithParams accepts other params.
type Argon2Params struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory_kib"`
	Threads uint8  `json:"threads"`
	KeyLen  uint32 `json:"key_len"`
}

// DefaultArgon2Params are used for every password hashed outside of tests.
var DefaultArgon2Params = Argon2Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
	KeyLen:  32,
}

const saltLen = 16

// PasswordRecord is what gets persisted for a meet's password (spec.md I6:
// salt, KDF params, and hash only — never the password itself).
type PasswordRecord struct {
	Algorithm string
	Params    Argon2Params
	Salt      []byte
	Hash      []byte
}

// HashPassword derives a PasswordRecord from a plaintext password using the
// default Argon2id parameters. The KDF runs synchronously on the caller's
// goroutine, which for the router is the connection's own reader goroutine;
// other connections are unaffected since each gets its own.
func HashPassword(password string) (PasswordRecord, error) {
	return hashPasswordWithParams(password, DefaultArgon2Params)
}

func hashPasswordWithParams(password string, params Argon2Params) (PasswordRecord, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return PasswordRecord{}, fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLen)

	return PasswordRecord{
		Algorithm: "argon2id",
		Params:    params,
		Salt:      salt,
		Hash:      hash,
	}, nil
}

// VerifyPassword recomputes the hash with the record's stored parameters
// and compares in constant time.
func VerifyPassword(password string, rec PasswordRecord) bool {
	if rec.Algorithm != "argon2id" {
		return false
	}
	candidate := argon2.IDKey([]byte(password), rec.Salt, rec.Params.Time, rec.Params.Memory, rec.Params.Threads, rec.Params.KeyLen)
	return subtle.ConstantTimeCompare(candidate, rec.Hash) == 1
}

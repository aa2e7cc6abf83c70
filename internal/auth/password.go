package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const argon2Algorithm = "argon2id"

// ErrUnsupportedHash は判別できない形式のパスワードハッシュを示す。
var ErrUnsupportedHash = errors.New("unsupported password hash format")

// Argon2Params はargon2idのコストパラメータ。
type Argon2Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params はデフォルトのargon2idパラメータを返す。
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// PasswordHasher はパスワードのハッシュ化と照合を行う。
// 新規ハッシュはargon2id(PHC形式)で生成し、照合は既存のbcryptハッシュ($2a$/$2b$/$2y$)にも対応する。
type PasswordHasher struct {
	params Argon2Params
}

// NewPasswordHasher はPasswordHasherを生成する。
func NewPasswordHasher(params Argon2Params) *PasswordHasher {
	return &PasswordHasher{params: params}
}

// Hash はパスワードをargon2idでハッシュ化し、PHC形式の文字列を返す。
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Algorithm,
		argon2.Version,
		h.params.Memory, h.params.Time, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify はパスワードがハッシュと一致するかを定数時間で照合する。
// 不一致は(false, nil)、ハッシュ形式の異常はエラーを返す。
func (h *PasswordHasher) Verify(password, encoded string) (bool, error) {
	switch {
	case strings.HasPrefix(encoded, "$"+argon2Algorithm+"$"):
		phc, err := parseArgon2Hash(encoded)
		if err != nil {
			return false, err
		}
		key := argon2.IDKey([]byte(password), phc.salt, phc.params.Time, phc.params.Memory, phc.params.Parallelism, phc.params.KeyLength)
		return subtle.ConstantTimeCompare(key, phc.key) == 1, nil

	case isBcryptHash(encoded):
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to verify bcrypt hash: %w", err)
		}
		return true, nil

	default:
		return false, ErrUnsupportedHash
	}
}

// NeedsRehash はハッシュを現在のパラメータのargon2idで作り直すべきかどうかを返す。
// bcryptハッシュと、現在より弱いパラメータのargon2idハッシュが対象。
func (h *PasswordHasher) NeedsRehash(encoded string) bool {
	if isBcryptHash(encoded) {
		return true
	}
	phc, err := parseArgon2Hash(encoded)
	if err != nil {
		return true
	}
	p := phc.params
	return p.Memory < h.params.Memory ||
		p.Time < h.params.Time ||
		p.Parallelism < h.params.Parallelism ||
		p.KeyLength != h.params.KeyLength
}

func isBcryptHash(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

type argon2Hash struct {
	params Argon2Params
	salt   []byte
	key    []byte
}

// parseArgon2Hash は $argon2id$v=19$m=...,t=...,p=...$salt$key 形式を解析する。
// saltとkeyはパディング有無のどちらのBase64も受け付ける。
func parseArgon2Hash(encoded string) (*argon2Hash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != argon2Algorithm {
		return nil, ErrUnsupportedHash
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, fmt.Errorf("unsupported argon2 version %q", parts[2])
	}

	var params Argon2Params
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid argon2 parameter %q", kv)
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid argon2 parameter %q", kv)
		}
		switch k {
		case "m":
			params.Memory = uint32(n)
		case "t":
			params.Time = uint32(n)
		case "p":
			if n == 0 || n > 255 {
				return nil, fmt.Errorf("invalid argon2 parallelism %d", n)
			}
			params.Parallelism = uint8(n)
		}
	}
	if params.Memory == 0 || params.Time == 0 || params.Parallelism == 0 {
		return nil, errors.New("missing argon2 parameters")
	}

	salt, err := decodeBase64(parts[4])
	if err != nil {
		return nil, fmt.Errorf("invalid argon2 salt: %w", err)
	}
	key, err := decodeBase64(parts[5])
	if err != nil || len(key) == 0 {
		return nil, errors.New("invalid argon2 key")
	}
	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))

	return &argon2Hash{params: params, salt: salt, key: key}, nil
}

func decodeBase64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

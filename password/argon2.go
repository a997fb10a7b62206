// Package password hashes and verifies customer secrets with argon2id.
//
// Digests are stored in PHC string format ($argon2id$v=..$m=..,t=..,p=..$salt$hash)
// so the salt and the cost parameters travel with the digest. Verification is
// constant time with respect to the secret content, and a digest that fails to
// parse simply verifies false: storage corruption must never surface as a
// panic or a distinguishable error on the login path.
package password

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
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	schemeID              = "argon2id"
)

// Params are the argon2id cost parameters. Memory is in KiB.
type Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams are a server-side baseline (64 MiB, 3 passes).
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher derives and verifies argon2id digests with a fixed parameter set.
// A Hasher is immutable after construction and safe for concurrent use.
type Hasher struct {
	params Params
}

// NewHasher validates the parameter floor and returns a ready Hasher.
func NewHasher(p Params) (*Hasher, error) {
	if err := validateParams(p); err != nil {
		return nil, err
	}
	return &Hasher{params: p}, nil
}

// Hash derives a fresh digest for the given secret. Every call draws a new
// random salt, so hashing the same secret twice yields different digests.
func (h *Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey(
		[]byte(secret),
		salt,
		h.params.Time,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		schemeID,
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches the encoded digest. Malformed or
// truncated digests verify false; the comparison of the derived key is
// constant time.
func (h *Hasher) Verify(secret, encoded string) bool {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false
	}

	derived := argon2.IDKey(
		[]byte(secret),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		uint32(len(parsed.key)),
	)

	return subtle.ConstantTimeCompare(derived, parsed.key) == 1
}

// NeedsRehash reports whether the digest was derived with weaker parameters
// than the Hasher is configured with. Unparseable digests report true so the
// caller replaces them on the next successful login.
func (h *Hasher) NeedsRehash(encoded string) bool {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return true
	}
	return parsed.memory < h.params.Memory ||
		parsed.time < h.params.Time ||
		parsed.parallelism < h.params.Parallelism ||
		uint32(len(parsed.key)) != h.params.KeyLength
}

type phcDigest struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parsePHC(encoded string) (*phcDigest, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("invalid PHC format")
	}
	if parts[1] != schemeID {
		return nil, errors.New("unsupported scheme")
	}

	if !strings.HasPrefix(parts[2], "v=") {
		return nil, errors.New("missing argon2 version")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, errors.New("unsupported argon2 version")
	}

	out := &phcDigest{}
	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, errors.New("invalid parameter entry")
		}
		switch kv[0] {
		case "m":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v == 0 {
				return nil, errors.New("invalid memory parameter")
			}
			out.memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v == 0 {
				return nil, errors.New("invalid time parameter")
			}
			out.time = uint32(v)
		case "p":
			v, err := strconv.ParseUint(kv[1], 10, 8)
			if err != nil || v == 0 {
				return nil, errors.New("invalid parallelism parameter")
			}
			out.parallelism = uint8(v)
		default:
			return nil, errors.New("unsupported parameter")
		}
	}
	if out.memory == 0 || out.time == 0 || out.parallelism == 0 {
		return nil, errors.New("missing parameters")
	}

	out.salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(out.salt) < int(minSaltLength) {
		return nil, errors.New("invalid salt")
	}
	out.key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(out.key) == 0 {
		return nil, errors.New("invalid key")
	}

	return out, nil
}

func validateParams(p Params) error {
	if p.Memory < minMemoryKB {
		return errors.New("password: memory must be >= 8192 KiB")
	}
	if p.Time < minTimeCost {
		return errors.New("password: time cost must be >= 1")
	}
	if p.Parallelism < minParallelism {
		return errors.New("password: parallelism must be >= 1")
	}
	if p.SaltLength < minSaltLength {
		return errors.New("password: salt length must be >= 16")
	}
	if p.KeyLength < minKeyLength {
		return errors.New("password: key length must be >= 16")
	}
	return nil
}

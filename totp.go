package authkit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const totpSecretBytes = 20

// totpManager implements RFC 6238 time-based one-time passwords. The
// algorithm is fixed at construction so verification never errors on
// configuration; a code that cannot match simply verifies false.
type totpManager struct {
	config TOTPConfig
	hash   func() hash.Hash
}

func newTOTPManager(cfg TOTPConfig) (*totpManager, error) {
	hf, err := hmacFunc(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	return &totpManager{config: cfg, hash: hf}, nil
}

// GenerateSecret draws a fresh shared secret and returns it with its
// base32 form for the provisioning URI.
func (m *totpManager) GenerateSecret() ([]byte, string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}

	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

// ProvisionURI builds the otpauth:// URI authenticator apps enroll from.
func (m *totpManager) ProvisionURI(secretBase32, account string) string {
	issuer := m.config.Issuer
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", issuer)
	v.Set("period", strconv.Itoa(m.config.Period))
	v.Set("digits", strconv.Itoa(m.config.Digits))
	v.Set("algorithm", strings.ToUpper(algorithmName(m.config.Algorithm)))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// VerifyCode checks a submitted code against the secret within the
// configured skew window. On a match it returns the time-step counter the
// code was generated for; callers persist it to reject replays of the same
// step.
func (m *totpManager) VerifyCode(secret []byte, code string, now time.Time) (bool, int64) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != m.config.Digits || !isNumeric(trimmed) {
		return false, 0
	}
	if len(secret) == 0 {
		return false, 0
	}

	baseCounter := now.Unix() / int64(m.config.Period)
	for step := -m.config.Skew; step <= m.config.Skew; step++ {
		counter := baseCounter + int64(step)
		if counter < 0 {
			continue
		}
		generated := m.hotpCode(secret, counter)
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, counter
		}
	}

	return false, 0
}

// hotpCode derives the RFC 4226 value for one counter, including the
// dynamic truncation step.
func (m *totpManager) hotpCode(secret []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(m.hash, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < m.config.Digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", m.config.Digits, bin%mod)
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported totp algorithm")
	}
}

func algorithmName(algorithm string) string {
	if algorithm == "" {
		return "SHA1"
	}
	return algorithm
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const tokenPrefix = "gt"

var (
	// ErrMalformedToken is returned for tokens that do not parse.
	ErrMalformedToken = errors.New("malformed gate token")
	// ErrTokenMismatch is returned when the signature does not cover the content.
	ErrTokenMismatch = errors.New("gate token does not match content")
	// ErrTokenExpired is returned for tokens older than the max age.
	ErrTokenExpired = errors.New("gate token expired")
)

// SecretProvider supplies the HMAC key for token signing.
type SecretProvider interface {
	Secret() ([]byte, error)
}

// StaticSecret is a fixed key.
type StaticSecret []byte

func (s StaticSecret) Secret() ([]byte, error) {
	return []byte(s), nil
}

// EnvSecret reads the key from an environment variable on every call.
type EnvSecret string

func (e EnvSecret) Secret() ([]byte, error) {
	return []byte(os.Getenv(string(e))), nil
}

// Token is a parsed gate token.
type Token struct {
	ProposalID string
	IssuedAtMs int64
	Signature  string
}

// Signer issues and verifies gate tokens of the form
// gt.<proposal_id>.<issued_at_ms>.<signature>.
type Signer struct {
	secrets SecretProvider
	maxAge  time.Duration
	clock   func() time.Time
	logger  zerolog.Logger
	warn    sync.Once
}

// NewSigner creates a signer. A zero maxAge disables expiry.
func NewSigner(secrets SecretProvider, maxAge time.Duration, clock func() time.Time, logger zerolog.Logger) *Signer {
	if clock == nil {
		clock = time.Now
	}
	return &Signer{secrets: secrets, maxAge: maxAge, clock: clock, logger: logger}
}

func (s *Signer) secret() []byte {
	var key []byte
	if s.secrets != nil {
		k, err := s.secrets.Secret()
		if err != nil {
			s.logger.Error().Err(err).Msg("Gate secret provider failed")
		}
		key = k
	}
	if len(key) == 0 {
		s.warn.Do(func() {
			s.logger.Warn().Msg("No gate secret configured, tokens are signed with plain SHA-256")
		})
	}
	return key
}

func (s *Signer) sign(proposalID, contentHash string, issuedAtMs int64) string {
	payload := proposalID + "|" + contentHash + "|" + strconv.FormatInt(issuedAtMs, 10)
	key := s.secret()
	if len(key) == 0 {
		sum := sha256.Sum256([]byte(payload))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue creates a token bound to (proposalID, contentHash).
func (s *Signer) Issue(proposalID, contentHash string) string {
	issued := s.clock().UnixMilli()
	return fmt.Sprintf("%s.%s.%d.%s", tokenPrefix, proposalID, issued, s.sign(proposalID, contentHash, issued))
}

// ParseToken splits a token into its parts without verifying it.
func ParseToken(token string) (Token, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 || parts[0] != tokenPrefix || parts[1] == "" || parts[3] == "" {
		return Token{}, ErrMalformedToken
	}
	issued, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || issued <= 0 {
		return Token{}, ErrMalformedToken
	}
	return Token{ProposalID: parts[1], IssuedAtMs: issued, Signature: parts[3]}, nil
}

// VerifyToken checks that token was issued for contentHash and has not
// expired. It returns the proposal id.
func (s *Signer) VerifyToken(token, contentHash string) (string, error) {
	t, err := ParseToken(token)
	if err != nil {
		return "", err
	}
	expected := s.sign(t.ProposalID, contentHash, t.IssuedAtMs)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(t.Signature)) != 1 {
		return "", ErrTokenMismatch
	}
	if s.maxAge > 0 {
		age := s.clock().Sub(time.UnixMilli(t.IssuedAtMs))
		if age > s.maxAge {
			return "", fmt.Errorf("%w: issued %s ago", ErrTokenExpired, age.Truncate(time.Second))
		}
	}
	return t.ProposalID, nil
}

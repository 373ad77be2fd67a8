// Package downloadlink issues short-lived signed tokens that let a browser
// fetch one document on behalf of the actor who requested the link.
package downloadlink

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalid covers malformed tokens and bad signatures.
	ErrInvalid = errors.New("downloadlink: invalid token")
	// ErrExpired is returned for a well-formed token past its expiry.
	ErrExpired = errors.New("downloadlink: token expired")
)

// Claims is what a link grants.
type Claims struct {
	DocumentID string
	ActorID    string
	Role       string
	ExpiresAt  time.Time
}

// Signer creates and validates link tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner constructs a signer. Links live for ttl, five minutes when unset.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a token for documentID bound to the actor.
func (s *Signer) Issue(documentID, actorID, role string) (string, time.Time, error) {
	if documentID == "" || actorID == "" || role == "" {
		return "", time.Time{}, fmt.Errorf("document, actor and role are required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl).Truncate(time.Second)
	fields := []string{
		encode(documentID),
		encode(actorID),
		encode(role),
		strconv.FormatInt(expiresAt.Unix(), 10),
	}
	payload := strings.Join(fields, ".")
	return payload + "." + s.sign(payload), expiresAt, nil
}

// Parse validates token and returns its claims.
func (s *Signer) Parse(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		return nil, ErrInvalid
	}
	payload := strings.Join(parts[:4], ".")
	if !hmac.Equal([]byte(s.sign(payload)), []byte(parts[4])) {
		return nil, ErrInvalid
	}

	var decoded [3]string
	for i := range decoded {
		raw, err := base64.RawURLEncoding.DecodeString(parts[i])
		if err != nil || len(raw) == 0 {
			return nil, ErrInvalid
		}
		decoded[i] = string(raw)
	}
	exp, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, ErrInvalid
	}
	expiresAt := time.Unix(exp, 0)
	if s.now().After(expiresAt) {
		return nil, ErrExpired
	}
	return &Claims{DocumentID: decoded[0], ActorID: decoded[1], Role: decoded[2], ExpiresAt: expiresAt}, nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func encode(v string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(v))
}

// Package signature builds the canonical request strings and the two
// signature schemes used by the wallet provider: RSA (SHA256withRSA) for the
// payment API and AES-GCM for the identity API.
package signature

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	mrand "math/rand"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"billpay-service/apperr"
)

const (
	// SchemeRSA is the Authorization scheme and pay-order signType for the
	// payment API.
	SchemeRSA = "SHA256withRSA"
	// SchemeAES is the Authorization scheme for the identity API.
	SchemeAES = "AES"

	DefaultNonceLength = 32

	gcmNonceSize = 12
)

const nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var pemBody = regexp.MustCompile(`(?s)-----BEGIN [^-]+-----(.*?)-----END [^-]+-----`)

// BuildCanonicalString returns METHOD\nPATH\nTIMESTAMP\nNONCE\nBODY\n.
// The trailing newline is part of the signed message.
func BuildCanonicalString(method, urlPath string, timestamp int64, nonce, body string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(urlPath)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(body)
	b.WriteByte('\n')
	return b.String()
}

// CanonicalPath strips scheme and host from rawURL, keeping the query string.
func CanonicalPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path, nil
}

// GenerateNonce returns a random alphanumeric string. The nonce only
// disambiguates replays and is not a secret.
func GenerateNonce(length int) string {
	if length <= 0 {
		length = DefaultNonceLength
	}
	b := make([]byte, length)
	for i := range b {
		b[i] = nonceAlphabet[mrand.Intn(len(nonceAlphabet))]
	}
	return string(b)
}

// RSASigner signs messages with a PKCS#8 RSA private key using PKCS#1 v1.5
// padding over a SHA-256 digest.
type RSASigner struct {
	key *rsa.PrivateKey
}

// NewRSASigner decodes privateKeyPEM. The PEM armor is optional; a bare
// base64 body is accepted too.
func NewRSASigner(privateKeyPEM string) (*RSASigner, error) {
	body := privateKeyPEM
	if m := pemBody.FindStringSubmatch(privateKeyPEM); m != nil {
		body = m[1]
	}
	body = strings.Join(strings.Fields(body), "")
	if body == "" {
		return nil, &apperr.SignatureError{Op: "decode key", Err: errors.New("empty private key")}
	}

	der, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, &apperr.SignatureError{Op: "decode key", Err: err}
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, &apperr.SignatureError{Op: "parse key", Err: err}
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, &apperr.SignatureError{Op: "parse key", Err: fmt.Errorf("expected RSA key, got %T", parsed)}
	}
	return &RSASigner{key: key}, nil
}

// Sign returns the base64 signature of message.
func (s *RSASigner) Sign(message string) (string, error) {
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", &apperr.SignatureError{Op: "rsa sign", Err: err}
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKey exposes the verifying half, mostly for tests and tooling.
func (s *RSASigner) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// SignRSA decodes privateKeyPEM and signs message in one step.
func SignRSA(message, privateKeyPEM string) (string, error) {
	signer, err := NewRSASigner(privateKeyPEM)
	if err != nil {
		return "", err
	}
	return signer.Sign(message)
}

// AESSigner produces the identity API "signature": AES-GCM encryption of the
// canonical string under the app secret, encoded as base64(IV‖ciphertext‖tag).
type AESSigner struct {
	aead cipher.AEAD
}

// NewAESSigner decodes a base64 AES key of 16, 24 or 32 bytes.
func NewAESSigner(base64Key string) (*AESSigner, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, &apperr.SignatureError{Op: "decode key", Err: err}
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, &apperr.SignatureError{Op: "decode key", Err: fmt.Errorf("invalid AES key length: %d", len(key))}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &apperr.SignatureError{Op: "aes cipher", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &apperr.SignatureError{Op: "aes gcm", Err: err}
	}
	return &AESSigner{aead: aead}, nil
}

// Sign encrypts message under a fresh random 12-byte IV.
func (s *AESSigner) Sign(message string) (string, error) {
	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", &apperr.SignatureError{Op: "aes iv", Err: err}
	}
	// Seal appends ciphertext‖tag to iv.
	out := s.aead.Seal(iv, iv, []byte(message), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Sign. The provider does this server side; we use it in tests.
func (s *AESSigner) Open(signature string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return "", &apperr.SignatureError{Op: "aes decode", Err: err}
	}
	if len(raw) < gcmNonceSize+s.aead.Overhead() {
		return "", &apperr.SignatureError{Op: "aes open", Err: errors.New("signature too short")}
	}
	plain, err := s.aead.Open(nil, raw[:gcmNonceSize], raw[gcmNonceSize:], nil)
	if err != nil {
		return "", &apperr.SignatureError{Op: "aes open", Err: err}
	}
	return string(plain), nil
}

// SignAESGCM decodes base64Key and signs message in one step.
func SignAESGCM(message, base64Key string) (string, error) {
	signer, err := NewAESSigner(base64Key)
	if err != nil {
		return "", err
	}
	return signer.Sign(message)
}

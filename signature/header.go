package signature

import (
	"fmt"
	"strconv"
	"time"
)

// Signer is satisfied by RSASigner and AESSigner.
type Signer interface {
	Sign(message string) (string, error)
}

// Authorization holds the five fields both header schemes transmit.
type Authorization struct {
	Scheme string
	// PrincipalKey is "mchid" for the payment API and "appid" for identity.
	PrincipalKey string
	Principal    string
	SerialNo     string
	Nonce        string
	Timestamp    int64
	Signature    string
}

// String renders SCHEME key1="v1",key2="v2",...
func (a Authorization) String() string {
	return fmt.Sprintf(`%s %s="%s",serial_no="%s",nonce_str="%s",timestamp="%s",signature="%s"`,
		a.Scheme, a.PrincipalKey, a.Principal, a.SerialNo, a.Nonce,
		strconv.FormatInt(a.Timestamp, 10), a.Signature)
}

// HeaderBuilder signs outgoing requests for one principal. Nonce and Now are
// drawn fresh on every call, so a retried request is a new request.
type HeaderBuilder struct {
	Scheme       string
	PrincipalKey string
	Principal    string
	SerialNo     string
	Signer       Signer

	Now   func() time.Time
	Nonce func() string
}

// Signed is the header plus the pieces that produced it, for logging.
type Signed struct {
	Header    string
	Canonical string
	Nonce     string
	Timestamp int64
	Signature string
}

// Build signs method, rawURL and body and returns the Authorization value.
func (h *HeaderBuilder) Build(method, rawURL, body string) (*Signed, error) {
	path, err := CanonicalPath(rawURL)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	nonce := GenerateNonce(DefaultNonceLength)
	if h.Nonce != nil {
		nonce = h.Nonce()
	}
	ts := now().Unix()

	canonical := BuildCanonicalString(method, path, ts, nonce, body)
	sig, err := h.Signer.Sign(canonical)
	if err != nil {
		return nil, err
	}

	auth := Authorization{
		Scheme:       h.Scheme,
		PrincipalKey: h.PrincipalKey,
		Principal:    h.Principal,
		SerialNo:     h.SerialNo,
		Nonce:        nonce,
		Timestamp:    ts,
		Signature:    sig,
	}
	return &Signed{
		Header:    auth.String(),
		Canonical: canonical,
		Nonce:     nonce,
		Timestamp: ts,
		Signature: sig,
	}, nil
}

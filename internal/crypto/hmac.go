package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Signer signs exchange REST requests with HMAC-SHA256. The signature covers
// the canonical query string plus a millisecond timestamp and receive window,
// which is the scheme used by the major perpetual-futures venues.
type Signer struct {
	creds Credentials
	// recvWindow bounds how stale a signed request may be, in milliseconds.
	recvWindow int64
	now        func() time.Time
}

// NewSigner creates a Signer for the given credentials. recvWindowMs of 0
// defaults to 5000.
func NewSigner(creds Credentials, recvWindowMs int64) *Signer {
	if recvWindowMs <= 0 {
		recvWindowMs = 5000
	}
	return &Signer{creds: creds, recvWindow: recvWindowMs, now: time.Now}
}

// APIKey returns the key to place in the request header.
func (s *Signer) APIKey() string { return s.creds.APIKey }

// Sign appends timestamp, recvWindow, and signature parameters to params and
// returns the encoded query string to send.
func (s *Signer) Sign(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(s.recvWindow, 10))

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(s.creds.APISecret))
	mac.Write([]byte(query))
	sig := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("%s&signature=%s", query, sig)
}

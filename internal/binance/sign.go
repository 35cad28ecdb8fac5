package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"

	"github.com/quantex/tradelink/config"
	"github.com/quantex/tradelink/errs"
)

// SignedRequest carries the canonical query and headers of one authenticated
// call. It is created per outbound call and never reused; the timestamp plus
// signature make it replay-resistant.
type SignedRequest struct {
	Query     string
	APIKey    string
	Timestamp int64
}

// Signer turns parameter sets into signed, timestamped requests. The secret
// key is used only as HMAC material and never appears in any output.
type Signer struct {
	creds      config.Credentials
	recvWindow time.Duration
	clock      func() time.Time
}

// NewSigner builds a signer for the credential pair. Missing credentials are
// a configuration error raised here, before any network call.
func NewSigner(creds config.Credentials, recvWindow time.Duration, clock func() time.Time) (*Signer, error) {
	if !creds.Valid() {
		return nil, errs.New("binance.signer", errs.CodeConfiguration,
			errs.WithMessage("api key and secret are required for private operations"))
	}
	if clock == nil {
		clock = time.Now
	}
	return &Signer{creds: creds, recvWindow: recvWindow, clock: clock}, nil
}

// Sign injects the timestamp and receive window, canonicalizes the
// parameters into a sorted query string, and appends the HMAC-SHA256
// signature computed with the secret key.
func (s *Signer) Sign(params url.Values) SignedRequest {
	if params == nil {
		params = url.Values{}
	}
	if s.recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))
	}
	ts := s.clock().UTC().UnixMilli()
	params.Set("timestamp", strconv.FormatInt(ts, 10))

	payload := params.Encode()
	query := payload
	if query != "" {
		query += "&"
	}
	query += "signature=" + signPayload(payload, s.creds.APISecret)

	return SignedRequest{Query: query, APIKey: s.creds.APIKey, Timestamp: ts}
}

// APIKey exposes the public half of the credential pair for header-only
// authenticated endpoints such as the lease protocol.
func (s *Signer) APIKey() string { return s.creds.APIKey }

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

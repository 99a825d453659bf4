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

// Signer signs futures REST requests. Signed endpoints authenticate with
// HMAC-SHA256 over the exact query string sent, hex encoded, with the API key
// carried in a header.
type Signer struct {
	Key    string // API key, sent as the X-MBX-APIKEY header
	Secret string // API secret, the HMAC key
}

// Sign computes the hex-encoded HMAC-SHA256 of payload.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery stamps values with the request timestamp and recvWindow,
// encodes them, and appends the signature parameter. The returned string is
// the final query to send; the signature covers exactly the bytes before it.
func (s *Signer) SignedQuery(values url.Values, recvWindowMS int, now time.Time) string {
	if values == nil {
		values = url.Values{}
	}
	values.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	if recvWindowMS > 0 {
		values.Set("recvWindow", strconv.Itoa(recvWindowMS))
	}
	encoded := values.Encode()
	return encoded + "&signature=" + s.Sign(encoded)
}

// String returns a redacted representation suitable for logging.
func (s *Signer) String() string {
	redact := func(v string) string {
		if len(v) <= 4 {
			return "****"
		}
		return v[:4] + "****"
	}
	return fmt.Sprintf("Signer{key=%s, secret=%s}", redact(s.Key), redact(s.Secret))
}

// sign.go implements request signing for authenticated spot API calls.
//
// The venue authenticates private endpoints with an HMAC-SHA256 signature
// over the request's query string. The canonical form sorts parameters
// lexicographically by key and appends a millisecond timestamp before
// signing; the hex signature travels as a trailing "signature" parameter.
// Clock skew tolerance is the venue's concern, not ours.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// Signer holds one account's API credentials and produces signed queries.
type Signer struct {
	apiKey string
	secret []byte
}

// NewSigner builds a Signer from plaintext credentials.
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{apiKey: apiKey, secret: []byte(secret)}
}

// APIKey returns the key sent in the X-MBX-APIKEY header.
func (s *Signer) APIKey() string { return s.apiKey }

// Sign returns the hex HMAC-SHA256 of the canonical (sorted) encoding of
// params. url.Values.Encode already sorts by key.
func (s *Signer) Sign(params url.Values) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery stamps params with the millisecond timestamp, signs the
// sorted encoding, and returns the final query string with the signature
// appended last.
func (s *Signer) SignedQuery(params url.Values, now time.Time) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	signature := s.Sign(params)
	return params.Encode() + "&signature=" + signature
}

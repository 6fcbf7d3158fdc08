package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// recvWindow is the request validity window in milliseconds
const recvWindow = "5000"

// Signer produces v5 authentication headers. The signed payload is the query
// string for GETs and the JSON body for POSTs, prefixed with timestamp, API
// key and recv window.
type Signer struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
}

// NewSigner creates a signer for one API key pair
func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		now:       time.Now,
	}
}

// SignRequest adds authentication headers to the request
func (s *Signer) SignRequest(req *http.Request, payload string) error {
	timestamp := fmt.Sprintf("%d", s.now().UnixMilli())

	// signature = HMAC_SHA256(timestamp + key + recv_window + payload, secret)
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(timestamp + s.apiKey + recvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", s.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)

	return nil
}

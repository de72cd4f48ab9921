package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"

	"github.com/venditt/billboardd/internal/adapters/clock"
)

// Header names sent with every signed API request.
const (
	HeaderDeviceID  = "X-Device-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// Signer produces the device-HMAC request headers. The signature covers
// the ASCII string "<timestamp>.<hex(sha256(body))>" keyed by the device
// secret.
type Signer struct {
	deviceID string
	secret   []byte
	clock    clock.Clock
}

// NewSigner creates a signer for a device. An empty secret is rejected.
func NewSigner(deviceID string, secret []byte) (*Signer, error) {
	if deviceID == "" {
		return nil, errors.New("device id required")
	}
	if len(secret) == 0 {
		return nil, errors.New("device secret required")
	}
	return &Signer{deviceID: deviceID, secret: secret}, nil
}

// Headers computes the three header values for a request body. The body
// must be the exact bytes that go on the wire.
func (s *Signer) Headers(body []byte) (deviceID, timestamp, signature string) {
	timestamp = strconv.FormatInt(s.clock.NowUnix(), 10)
	return s.deviceID, timestamp, s.sign(timestamp, body)
}

func (s *Signer) sign(timestamp string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	canonical := timestamp + "." + hex.EncodeToString(bodyHash[:])

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

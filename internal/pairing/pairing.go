// Package pairing provisions new device agents. The gateway operator
// generates a provisioning bundle, delivered as a QR code or an
// emberlink:// URL, and the agent imports it to obtain its identity, its
// initial symmetric key and the gateway endpoints.
package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/emberlink/emberlink/internal/secure"
)

const (
	bundleVersion = 1
	urlScheme     = "emberlink://pair?data="
	bundleTTL     = 15 * time.Minute
)

// Bundle carries everything a factory-fresh device needs to join a
// gateway. It is secret material and must only travel over the QR code or
// URL, never over the packet channels.
type Bundle struct {
	Version     int    `json:"v"`
	DeviceID    string `json:"id"`
	GatewayUDP  string `json:"udp"`
	GatewayWS   string `json:"ws"`
	Key         string `json:"key"` // base64 AES-256 key
	KeyVersion  uint32 `json:"kv"`
	Fingerprint string `json:"fp"` // short gateway identity for display
	Expires     int64  `json:"exp"`
}

// Provisioner issues bundles on the gateway side.
type Provisioner struct {
	gatewayUDP  string
	gatewayWS   string
	fingerprint string
}

func NewProvisioner(gatewayUDP, gatewayWS, fingerprint string) *Provisioner {
	return &Provisioner{
		gatewayUDP:  gatewayUDP,
		gatewayWS:   gatewayWS,
		fingerprint: fingerprint,
	}
}

// Issue creates a bundle for one device with a fresh initial key. The key
// is returned separately so the gateway can register it before the device
// ever connects.
func (p *Provisioner) Issue(deviceID string) (*Bundle, []byte, error) {
	key, err := secure.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generating device key: %w", err)
	}

	bundle := &Bundle{
		Version:     bundleVersion,
		DeviceID:    deviceID,
		GatewayUDP:  p.gatewayUDP,
		GatewayWS:   p.gatewayWS,
		Key:         base64.URLEncoding.EncodeToString(key),
		KeyVersion:  1,
		Fingerprint: p.fingerprint,
		Expires:     time.Now().Add(bundleTTL).Unix(),
	}
	return bundle, key, nil
}

// EncodeURL renders the bundle as an emberlink:// pairing URL.
func EncodeURL(b *Bundle) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return urlScheme + base64.URLEncoding.EncodeToString(data), nil
}

// EncodeQR renders the bundle as a PNG QR code.
func EncodeQR(b *Bundle) ([]byte, error) {
	url, err := EncodeURL(b)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(url, qrcode.Medium, 256)
}

// Decode parses a pairing URL back into a bundle, rejecting expired or
// malformed ones.
func Decode(url string) (*Bundle, error) {
	if !strings.HasPrefix(url, urlScheme) {
		return nil, fmt.Errorf("not a pairing url")
	}
	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(url, urlScheme))
	if err != nil {
		return nil, fmt.Errorf("invalid pairing url encoding: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("invalid pairing bundle: %w", err)
	}
	if bundle.Version != bundleVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", bundle.Version)
	}
	if time.Now().Unix() > bundle.Expires {
		return nil, fmt.Errorf("pairing bundle has expired")
	}
	if bundle.DeviceID == "" {
		return nil, fmt.Errorf("pairing bundle missing device id")
	}

	return &bundle, nil
}

// DecodeKey extracts the raw AES key from a bundle.
func (b *Bundle) DecodeKey() ([]byte, error) {
	key, err := base64.URLEncoding.DecodeString(b.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid bundle key encoding: %w", err)
	}
	if len(key) != secure.KeySize {
		return nil, secure.ErrInvalidKeySize
	}
	return key, nil
}

// Challenge returns a random value the agent echoes back in its first
// health packet, letting the operator confirm the right device paired.
func Challenge() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

package types

// Reading is a single labeled inference result produced by the on-device
// model. The link stack treats the model as a black box; only label,
// confidence and intensity are interpreted downstream. Timestamps are
// unix milliseconds, matching the wire format.
type Reading struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Intensity  float64 `json:"intensity"`
	Battery    float64 `json:"battery,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// Result is a validated reading as observed by the gateway.
type Result struct {
	DeviceID   string  `json:"device_id"`
	Sequence   uint64  `json:"sequence"`
	Reading    Reading `json:"reading"`
	ReceivedAt int64   `json:"received_at"`
}

// LinkQuality represents the health of a device link
type LinkQuality int

const (
	QualityExcellent LinkQuality = iota
	QualityGood
	QualityPoor
	QualityDisconnected
)

// String returns a string representation of link quality
func (q LinkQuality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

package models

// Message is an application payload received from a paired peer after its
// signature and timestamp were verified.
type Message struct {
	FromDeviceID      string `json:"from_device_id"`
	Content           []byte `json:"content"`
	TimestampSent     int64  `json:"timestamp_sent"`
	TimestampReceived int64  `json:"timestamp_received"`
}

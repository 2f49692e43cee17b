// Package streaming defines the wire protocol spoken with a vision sidecar
// that runs fiducial detection on behalf of powerwatch.
package streaming

import (
	"encoding/json"
	"fmt"
)

// Message type constants matching the detection protocol.
const (
	TypeHello      = "hello"
	TypeDetect     = "detect"
	TypeDetections = "detections"
	TypeAck        = "ack"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// HelloPayload configures the detector for this session. It is replayed after
// every reconnect.
type HelloPayload struct {
	Dictionary string  `json:"dictionary"`
	MarkerSize float64 `json:"markerSize"`
}

// DetectRequest carries one encoded frame.
type DetectRequest struct {
	Seq    uint64 `json:"seq"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Image  []byte `json:"image"` // base64 in JSON
}

// Marker is one detection, corners clockwise from top-left as [x, y] pixels.
type Marker struct {
	ID      int           `json:"id"`
	Corners [4][2]float64 `json:"corners"`
}

// DetectResponse answers the request with the same Seq.
type DetectResponse struct {
	Seq     uint64   `json:"seq"`
	Markers []Marker `json:"markers"`
	Error   string   `json:"error,omitempty"`
}

// Encode builds an envelope around payload.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

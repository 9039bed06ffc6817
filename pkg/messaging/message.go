package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

const (
	DefaultOperation = "encrypt"
	DefaultMode      = "ECB"
)

// ErrInvalidMessage is returned when a payload cannot be decoded or misses
// required fields.
var ErrInvalidMessage = errors.New("invalid message")

// DispatchMessage is the job handed to the worker pool over the broker.
// On the wire it is a flat JSON object of strings.
//
// Key travels in plaintext; anyone with read access to the queue can see it.
type DispatchMessage struct {
	JobID     string `json:"jobId"`
	FilePath  string `json:"filePath"`
	Key       string `json:"key"`
	Operation string `json:"operation"`
	Mode      string `json:"mode"`
}

// Encode returns the UTF-8 JSON body published to the broker.
func (m DispatchMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Map returns the message as the string mapping it represents on the wire.
func (m DispatchMessage) Map() map[string]string {
	return map[string]string{
		"jobId":     m.JobID,
		"filePath":  m.FilePath,
		"key":       m.Key,
		"operation": m.Operation,
		"mode":      m.Mode,
	}
}

// LogValue keeps the key out of logs.
func (m DispatchMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("job_id", m.JobID),
		slog.String("file_path", m.FilePath),
		slog.String("operation", m.Operation),
		slog.String("mode", m.Mode),
	)
}

// DecodeDispatch parses a broker body. jobId, filePath and key are required;
// operation and mode fall back to their defaults when absent.
func DecodeDispatch(body []byte) (DispatchMessage, error) {
	var m DispatchMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return DispatchMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch {
	case m.JobID == "":
		return DispatchMessage{}, fmt.Errorf("%w: missing jobId", ErrInvalidMessage)
	case m.FilePath == "":
		return DispatchMessage{}, fmt.Errorf("%w: missing filePath", ErrInvalidMessage)
	case m.Key == "":
		return DispatchMessage{}, fmt.Errorf("%w: missing key", ErrInvalidMessage)
	}
	if m.Operation == "" {
		m.Operation = DefaultOperation
	}
	if m.Mode == "" {
		m.Mode = DefaultMode
	}
	return m, nil
}

// CompletionNotice is the body of the worker's callback to the API.
type CompletionNotice struct {
	JobID           string `json:"jobId"`
	Status          string `json:"status"`
	ResultReference string `json:"resultReference,omitempty"`
}

// DecodeNotice parses a callback body. The older imageId field is accepted
// as the result reference.
func DecodeNotice(body []byte) (CompletionNotice, error) {
	var raw struct {
		CompletionNotice
		ImageID string `json:"imageId"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return CompletionNotice{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	n := raw.CompletionNotice
	if n.ResultReference == "" {
		n.ResultReference = raw.ImageID
	}
	return n, nil
}

package wire

import (
	"github.com/grafana/rill/pkg/model"
)

// Messages exchanged between receiver supervisors and the tracker. Bool
// replies travel as Ack.

type RegisterReceiver struct {
	StreamID model.StreamID `json:"stream_id"`
	Typ      string         `json:"type"`
	Host     string         `json:"host"`
	Endpoint string         `json:"endpoint"`
}

type AddBlock struct {
	Info model.ReceivedBlockInfo `json:"info"`
}

type ReportError struct {
	StreamID model.StreamID `json:"stream_id"`
	Message  string         `json:"message"`
	Error    string         `json:"error"`
}

type DeregisterReceiver struct {
	StreamID model.StreamID `json:"stream_id"`
	Message  string         `json:"message"`
	Error    string         `json:"error"`
}

// StopReceiver tells a supervisor to shut down. No reply.
type StopReceiver struct{}

// CleanupOldBlocks tells a supervisor its block handler may drop data older
// than ThreshTime. No reply.
type CleanupOldBlocks struct {
	ThreshTime model.BatchTime `json:"thresh_time"`
}

// Ack is the reply to ask-style messages.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

package model

import (
	"time"

	"github.com/grafana/rill/pkg/wal"
)

// StoreResult is the locator returned by a block handler. A nil Handle means
// the block was stored directly, a non-nil Handle means the block was also
// appended to a write ahead log and can be rehydrated from it alone.
type StoreResult struct {
	BlockID BlockID           `json:"block_id"`
	Level   StorageLevel      `json:"storage_level"`
	Handle  *wal.RecordHandle `json:"wal_handle,omitempty"`
}

func NewDirectStoreResult(id BlockID, level StorageLevel) StoreResult {
	return StoreResult{BlockID: id, Level: level}
}

func NewWALStoreResult(id BlockID, level StorageLevel, h wal.RecordHandle) StoreResult {
	return StoreResult{BlockID: id, Level: level, Handle: &h}
}

// WALBacked reports whether the block survives worker loss on its own.
func (r StoreResult) WALBacked() bool { return r.Handle != nil }

// ReceivedBlockInfo is the unit of the tracker's log. Immutable once reported.
type ReceivedBlockInfo struct {
	StreamID   StreamID    `json:"stream_id"`
	NumRecords int         `json:"num_records"`
	Result     StoreResult `json:"result"`
}

func (i ReceivedBlockInfo) BlockID() BlockID { return i.Result.BlockID }

// ReceiverInfo is the tracker's view of one receiver instance. An empty
// Endpoint with Active false means the receiver deregistered but its info is
// retained for reporting.
type ReceiverInfo struct {
	StreamID         StreamID  `json:"stream_id"`
	Name             string    `json:"name"`
	Endpoint         string    `json:"endpoint"`
	Active           bool      `json:"active"`
	Host             string    `json:"host"`
	LastErrorMessage string    `json:"last_error_message"`
	LastError        string    `json:"last_error"`
	LastErrorTime    time.Time `json:"last_error_time"`
}

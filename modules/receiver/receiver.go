package receiver

import (
	"github.com/grafana/rill/pkg/model"
)

// Receiver is user code that reads from an external source and emits records
// through an Output. Start must not block: long-running ingest belongs in
// goroutines the receiver owns and tears down in Stop.
type Receiver interface {
	Name() string
	StorageLevel() model.StorageLevel

	// PreferredLocation names the host this receiver should be placed on.
	// Empty means any host.
	PreferredLocation() string

	Start(out Output) error
	Stop() error
}

// Output is the surface a receiver pushes into. PushSingle buffers a single
// record for block generation. The other methods bypass the generator for
// pre-batched input; a nil blockID lets the supervisor assign one.
type Output interface {
	PushSingle(rec model.Record) error
	PushRecords(recs []model.Record, blockID *model.BlockID) error
	PushIterator(next func() (model.Record, bool), blockID *model.BlockID) error
	PushBytes(data []byte, blockID *model.BlockID) error

	// ReportError forwards an error to the tracker without stopping the
	// receiver.
	ReportError(message string, err error)
}

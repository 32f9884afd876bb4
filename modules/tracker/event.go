package tracker

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/grafana/rill/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRecoveryCorruption means replaying the tracker event log hit a record
// that cannot be decoded. Fatal at start.
var ErrRecoveryCorruption = errors.New("tracker event log corrupt")

/*
	tracker event framing:

	| tag (1 byte) | json payload |

	Tags are stable, the log outlives process versions.
*/

const (
	tagBlockAdded     byte = 1
	tagBatchAllocated byte = 2
	tagBatchCleanedUp byte = 3
)

type blockAddedEvent struct {
	Info model.ReceivedBlockInfo `json:"info"`
}

type batchAllocatedEvent struct {
	Time   model.BatchTime                              `json:"time"`
	Blocks map[model.StreamID][]model.ReceivedBlockInfo `json:"blocks"`
}

type batchCleanedUpEvent struct {
	Time model.BatchTime `json:"time"`
}

func marshalEvent(tag byte, payload interface{}) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(b)+1)
	out = append(out, tag)
	out = append(out, b...)
	return out, nil
}

// applyEvent decodes one logged event and applies it to the tracker's
// in-memory state. Called with the tracker lock held during replay.
func (t *ReceivedBlockTracker) applyEvent(rec []byte) error {
	if len(rec) < 1 {
		return errors.Wrap(ErrRecoveryCorruption, "empty event record")
	}

	tag, payload := rec[0], rec[1:]
	switch tag {
	case tagBlockAdded:
		var ev blockAddedEvent
		err := json.Unmarshal(payload, &ev)
		if err != nil {
			return errors.Wrap(ErrRecoveryCorruption, err.Error())
		}
		t.applyBlockAdded(ev.Info)
	case tagBatchAllocated:
		var ev batchAllocatedEvent
		err := json.Unmarshal(payload, &ev)
		if err != nil {
			return errors.Wrap(ErrRecoveryCorruption, err.Error())
		}
		t.applyBatchAllocated(ev.Time, ev.Blocks)
	case tagBatchCleanedUp:
		var ev batchCleanedUpEvent
		err := json.Unmarshal(payload, &ev)
		if err != nil {
			return errors.Wrap(ErrRecoveryCorruption, err.Error())
		}
		t.applyBatchCleanedUp(ev.Time)
	default:
		return errors.Wrapf(ErrRecoveryCorruption, "unknown event tag %d", tag)
	}

	return nil
}

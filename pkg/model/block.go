package model

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Record is one unit of data emitted by a receiver.
type Record []byte

// Block is a chunk of records, the unit of storage and of batch allocation.
// NumRecords returns -1 when the count is unknown.
type Block interface {
	NumRecords() int
}

// RecordsBlock holds fully materialized records. The only variant with a known
// record count.
type RecordsBlock struct {
	Records []Record
}

func (b *RecordsBlock) NumRecords() int { return len(b.Records) }

// IteratorBlock wraps a pull iterator. The iterator is consumed exactly once,
// during serialization.
type IteratorBlock struct {
	Next func() (Record, bool)
}

func (b *IteratorBlock) NumRecords() int { return -1 }

// BytesBlock holds pre-serialized record data.
type BytesBlock struct {
	Data []byte
}

func (b *BytesBlock) NumRecords() int { return -1 }

/*
	record framing within a serialized block:

	| record length (uint32) | record bytes |
*/

const recordHeaderSize = 4

// SerializeBlock flattens a block into the byte form handed to the block store
// and the write ahead log.
func SerializeBlock(b Block) ([]byte, error) {
	switch blk := b.(type) {
	case *RecordsBlock:
		return serializeRecords(blk.Records)
	case *IteratorBlock:
		buf := &bytes.Buffer{}
		for {
			rec, ok := blk.Next()
			if !ok {
				break
			}
			if err := writeRecord(buf, rec); err != nil {
				return nil, err
			}
		}
		return buf.Bytes(), nil
	case *BytesBlock:
		return blk.Data, nil
	}

	return nil, errors.Errorf("unsupported block type %T", b)
}

func serializeRecords(recs []Record) ([]byte, error) {
	size := 0
	for _, r := range recs {
		size += recordHeaderSize + len(r)
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	for _, r := range recs {
		if err := writeRecord(buf, r); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func writeRecord(w io.Writer, rec Record) error {
	err := binary.Write(w, binary.LittleEndian, uint32(len(rec)))
	if err != nil {
		return err
	}
	_, err = w.Write(rec)
	return err
}

// DeserializeRecords reverses SerializeBlock for record-framed data.
func DeserializeRecords(b []byte) ([]Record, error) {
	recs := []Record{}
	r := bytes.NewReader(b)

	for {
		var length uint32
		err := binary.Read(r, binary.LittleEndian, &length)
		if err == io.EOF {
			return recs, nil
		} else if err != nil {
			return nil, err
		}

		rec := make(Record, length)
		_, err = io.ReadFull(r, rec)
		if err != nil {
			return nil, errors.Wrap(err, "truncated record")
		}

		recs = append(recs, rec)
	}
}

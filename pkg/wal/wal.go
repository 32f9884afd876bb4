package wal

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const segmentSuffix = ".wal"

var (
	// ErrCorrupt is returned when replay hits a malformed record before the
	// tail of the log.
	ErrCorrupt = errors.New("wal record corrupt")
	// ErrClosed is returned for operations on a closed log.
	ErrClosed = errors.New("wal closed")

	metricAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "wal_appends_total",
		Help:      "Total records appended to the write ahead log.",
	}, []string{"name"})
	metricAppendedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "wal_appended_bytes_total",
		Help:      "Total framed bytes appended to the write ahead log.",
	}, []string{"name"})
	metricReplayedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "wal_replayed_records_total",
		Help:      "Total records read back during replay.",
	}, []string{"name"})
	metricTruncatedSegments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "wal_truncated_segments_total",
		Help:      "Total segments removed by truncation.",
	}, []string{"name"})
)

type Config struct {
	Filepath        string `yaml:"path"`
	SegmentMaxBytes int64  `yaml:"segment_max_bytes"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Filepath, prefix+"wal.path", "", "Directory holding write ahead log segments.")
	f.Int64Var(&cfg.SegmentMaxBytes, prefix+"wal.segment-max-bytes", 64*1024*1024, "Segment size at which the log rotates.")
}

// RecordHandle locates one appended record. It is enough to read the record
// back after a crash and it serializes cleanly, so it can ride inside block
// store results across the wire.
type RecordHandle struct {
	Segment string `json:"segment"`
	Offset  int64  `json:"offset"`
	Length  uint32 `json:"length"`
}

/*
	record framing within a segment:

	|        -- length --                |
	| length (uint32) | hash (uint64) | snappy-compressed payload |

	length covers the full frame including the header.
*/

const frameHeaderSize = 12

// WAL is an append-only segmented record log. Appends are serialized, replay
// scans all segments oldest first, truncation drops whole segments by age.
type WAL struct {
	cfg    *Config
	name   string
	logger kitlog.Logger

	mtx         sync.Mutex
	segment     *os.File
	segmentName string
	segmentSize int64
	nextSeq     uint64
	closed      bool
}

// New opens the log in cfg.Filepath, retaining any existing segments, and
// starts a fresh segment for appends. name scopes metrics only.
func New(cfg *Config, name string, logger kitlog.Logger) (*WAL, error) {
	if cfg.Filepath == "" {
		return nil, fmt.Errorf("please provide a path for the WAL")
	}

	err := os.MkdirAll(cfg.Filepath, os.ModePerm)
	if err != nil {
		return nil, err
	}

	if cfg.SegmentMaxBytes <= 0 {
		cfg.SegmentMaxBytes = 64 * 1024 * 1024
	}

	segments, err := listSegments(cfg.Filepath)
	if err != nil {
		return nil, err
	}

	nextSeq := uint64(0)
	if len(segments) > 0 {
		last := segments[len(segments)-1]
		seq, err := parseSegmentName(last)
		if err != nil {
			return nil, err
		}
		nextSeq = seq + 1
	}

	w := &WAL{
		cfg:     cfg,
		name:    name,
		logger:  logger,
		nextSeq: nextSeq,
	}

	err = w.rotateLocked()
	if err != nil {
		return nil, err
	}

	return w, nil
}

// Append frames and writes one record, returning its handle.
func (w *WAL) Append(payload []byte) (RecordHandle, error) {
	compressed := snappy.Encode(nil, payload)
	frame := make([]byte, frameHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(frame)))
	binary.LittleEndian.PutUint64(frame[4:12], xxhash.Sum64(compressed))
	copy(frame[frameHeaderSize:], compressed)

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.closed {
		return RecordHandle{}, ErrClosed
	}

	if w.segmentSize > 0 && w.segmentSize+int64(len(frame)) > w.cfg.SegmentMaxBytes {
		err := w.rotateLocked()
		if err != nil {
			return RecordHandle{}, err
		}
	}

	offset := w.segmentSize
	_, err := w.segment.Write(frame)
	if err != nil {
		return RecordHandle{}, errors.Wrap(err, "appending wal record")
	}
	w.segmentSize += int64(len(frame))

	metricAppends.WithLabelValues(w.name).Inc()
	metricAppendedBytes.WithLabelValues(w.name).Add(float64(len(frame)))

	return RecordHandle{
		Segment: w.segmentName,
		Offset:  offset,
		Length:  uint32(len(frame)),
	}, nil
}

// Sync flushes the current segment to stable storage.
func (w *WAL) Sync() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.closed {
		return ErrClosed
	}

	return w.segment.Sync()
}

// Read returns the payload behind a handle.
func (w *WAL) Read(h RecordHandle) ([]byte, error) {
	f, err := os.Open(filepath.Join(w.cfg.Filepath, h.Segment))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	frame := make([]byte, h.Length)
	_, err = f.ReadAt(frame, h.Offset)
	if err != nil {
		return nil, err
	}

	return decodeFrame(frame)
}

// Replay invokes fn for every record in every segment, oldest segment first.
// A torn write can only sit at the end of the segment that was active when
// the process died, so a partial record at any segment's end of file is
// discarded. A malformed record followed by more data fails the replay with
// ErrCorrupt.
func (w *WAL) Replay(fn func(payload []byte) error) error {
	segments, err := listSegments(w.cfg.Filepath)
	if err != nil {
		return err
	}

	for _, seg := range segments {
		err = w.replaySegment(seg, fn)
		if err != nil {
			return err
		}
	}

	return nil
}

func (w *WAL) replaySegment(name string, fn func(payload []byte) error) error {
	f, err := os.Open(filepath.Join(w.cfg.Filepath, name))
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, frameHeaderSize)
	for {
		_, err := io.ReadFull(f, header)
		if err == io.EOF {
			return nil
		} else if err == io.ErrUnexpectedEOF {
			return w.discardTail(name)
		} else if err != nil {
			return err
		}

		length := binary.LittleEndian.Uint32(header[0:4])
		if length < frameHeaderSize {
			return errors.Wrapf(ErrCorrupt, "segment %s: impossible frame length %d", name, length)
		}

		frame := make([]byte, length)
		copy(frame, header)
		_, err = io.ReadFull(f, frame[frameHeaderSize:])
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return w.discardTail(name)
		} else if err != nil {
			return err
		}

		payload, err := decodeFrame(frame)
		if err != nil {
			if done, seekErr := atEOF(f); seekErr == nil && done {
				return w.discardTail(name)
			}
			return errors.Wrapf(err, "segment %s", name)
		}

		err = fn(payload)
		if err != nil {
			return err
		}
		metricReplayedRecords.WithLabelValues(w.name).Inc()
	}
}

func (w *WAL) discardTail(name string) error {
	level.Warn(w.logger).Log("msg", "discarding partial record at wal tail", "segment", name)
	return nil
}

// TruncateBefore removes whole segments whose last modification is older than
// threshold. The active segment is never removed. Best effort.
func (w *WAL) TruncateBefore(threshold time.Time) error {
	w.mtx.Lock()
	current := w.segmentName
	w.mtx.Unlock()

	segments, err := listSegments(w.cfg.Filepath)
	if err != nil {
		return err
	}

	for _, seg := range segments {
		if seg == current {
			continue
		}

		full := filepath.Join(w.cfg.Filepath, seg)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if !info.ModTime().Before(threshold) {
			continue
		}

		err = os.Remove(full)
		if err != nil {
			level.Warn(w.logger).Log("msg", "failed to remove old wal segment", "segment", seg, "err", err)
			continue
		}
		metricTruncatedSegments.WithLabelValues(w.name).Inc()
	}

	return nil
}

func (w *WAL) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	err := w.segment.Sync()
	if err != nil {
		_ = w.segment.Close()
		return err
	}

	return w.segment.Close()
}

func (w *WAL) rotateLocked() error {
	if w.segment != nil {
		err := w.segment.Sync()
		if err != nil {
			return err
		}
		err = w.segment.Close()
		if err != nil {
			return err
		}
	}

	name := fmt.Sprintf("%016d%s", w.nextSeq, segmentSuffix)
	f, err := os.OpenFile(filepath.Join(w.cfg.Filepath, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w.nextSeq++
	w.segment = f
	w.segmentName = name
	w.segmentSize = 0

	return nil
}

func decodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, errors.Wrap(ErrCorrupt, "short frame")
	}

	length := binary.LittleEndian.Uint32(frame[0:4])
	if int(length) != len(frame) {
		return nil, errors.Wrapf(ErrCorrupt, "frame length %d does not match %d", length, len(frame))
	}

	compressed := frame[frameHeaderSize:]
	if xxhash.Sum64(compressed) != binary.LittleEndian.Uint64(frame[4:12]) {
		return nil, errors.Wrap(ErrCorrupt, "checksum mismatch")
	}

	return snappy.Decode(nil, compressed)
}

func atEOF(f *os.File) (bool, error) {
	cur, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, err
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return false, err
	}
	return cur == end, nil
}

func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	segments := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		segments = append(segments, e.Name())
	}

	sort.Strings(segments)
	return segments, nil
}

func parseSegmentName(name string) (uint64, error) {
	s := strings.TrimSuffix(name, segmentSuffix)
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to parse %s", name)
	}
	return seq, nil
}

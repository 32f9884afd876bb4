package blockstore

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/grafana/rill/pkg/model"
)

type LocalConfig struct {
	Path string `yaml:"path"`
}

func (cfg *LocalConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, prefix+"blockstore.path", "", "Directory holding locally stored blocks.")
}

// Local stores one file per block under a root directory. It holds a single
// copy, so it only accepts replication 1.
type Local struct {
	cfg *LocalConfig
}

func NewLocal(cfg *LocalConfig) (*Local, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("please provide a path for the block store")
	}

	err := os.MkdirAll(cfg.Path, os.ModePerm)
	if err != nil {
		return nil, err
	}

	return &Local{cfg: cfg}, nil
}

func (s *Local) Put(_ context.Context, id model.BlockID, data []byte, level model.StorageLevel) error {
	if !level.Valid() {
		return errors.Wrapf(ErrStoreUnavailable, "invalid storage level %+v", level)
	}
	if level.Replication > 1 {
		return errors.Wrapf(ErrStoreUnavailable, "local store holds a single replica, %d requested", level.Replication)
	}

	dir := s.streamPath(id.StreamID)
	err := os.MkdirAll(dir, os.ModePerm)
	if err != nil {
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	name := s.blockPath(id)
	err = os.WriteFile(name, data, 0o644)
	if err != nil {
		os.Remove(name)
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	return nil
}

func (s *Local) Get(_ context.Context, id model.BlockID) ([]byte, error) {
	b, err := os.ReadFile(s.blockPath(id))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrBlockNotFound, id.String())
	} else if err != nil {
		return nil, err
	}

	return b, nil
}

func (s *Local) Remove(_ context.Context, id model.BlockID) error {
	err := os.Remove(s.blockPath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Local) streamPath(streamID model.StreamID) string {
	return filepath.Join(s.cfg.Path, fmt.Sprintf("stream-%d", streamID))
}

func (s *Local) blockPath(id model.BlockID) string {
	return filepath.Join(s.streamPath(id.StreamID), id.String()+".block")
}

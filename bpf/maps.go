package bpf

import (
	"fmt"

	"github.com/cilium/ebpf"
	"go.uber.org/zap"
)

// Map is the part of *ebpf.Map the store writes through.
type Map interface {
	Update(key, value any, flags ebpf.MapUpdateFlags) error
	Close() error
}

// OpenFunc opens a pinned map by path.
type OpenFunc func(path string) (Map, error)

func openPinned(path string) (Map, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, err
	}

	return m, nil
}

type StoreOption func(*Store)

// WithOpener replaces the pinned map loader.
func WithOpener(open OpenFunc) StoreOption {
	return func(s *Store) {
		s.open = open
	}
}

// Store opens the maps shared with the egress program.
type Store struct {
	logger *zap.SugaredLogger
	open   OpenFunc
}

func NewStore(logger *zap.SugaredLogger, opts ...StoreOption) *Store {
	s := &Store{
		logger: logger,
		open:   openPinned,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Open loads the map pinned at path. The map must already exist.
func (s *Store) Open(path string) (*Handle, error) {
	m, err := s.open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open pinned map %s: %w", ErrMapAccess, path, err)
	}

	s.logger.Debugw("opened pinned map", "path", path)

	return &Handle{path: path, m: m}, nil
}

// Handle is an open pinned map.
type Handle struct {
	path string
	m    Map
}

func (h *Handle) Path() string {
	return h.path
}

// Publish writes value at key, creating or replacing the entry. There is no
// read back.
func (h *Handle) Publish(key uint32, value any) error {
	if err := h.m.Update(key, value, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("%w: failed to write key %d to %s: %w", ErrMapAccess, key, h.path, err)
	}

	return nil
}

func (h *Handle) Close() error {
	return h.m.Close()
}

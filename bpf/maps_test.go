package bpf_test

import (
	"errors"
	"net/netip"
	"os"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/ipipdirect/bpf"
	"go.uber.org/zap/zaptest"
)

type fakeMap struct {
	entries map[uint32]any
	flags   []ebpf.MapUpdateFlags
	err     error
	closed  bool
}

func (f *fakeMap) Update(key, value any, flags ebpf.MapUpdateFlags) error {
	if f.err != nil {
		return f.err
	}

	f.entries[key.(uint32)] = value
	f.flags = append(f.flags, flags)

	return nil
}

func (f *fakeMap) Close() error {
	f.closed = true
	return nil
}

func storeWith(t *testing.T, maps map[string]*fakeMap) *bpf.Store {
	return bpf.NewStore(zaptest.NewLogger(t).Sugar(), bpf.WithOpener(func(path string) (bpf.Map, error) {
		m, ok := maps[path]
		if !ok {
			return nil, os.ErrNotExist
		}

		return m, nil
	}))
}

func TestStore_Open(t *testing.T) {
	m := &fakeMap{entries: map[uint32]any{}}
	s := storeWith(t, map[string]*fakeMap{bpf.InterfaceMapPath: m})

	h, err := s.Open(bpf.InterfaceMapPath)
	require.NoError(t, err)
	require.Equal(t, bpf.InterfaceMapPath, h.Path())

	require.NoError(t, h.Close())
	require.True(t, m.closed)

	_, err = s.Open(bpf.MACMapPath)
	require.ErrorIs(t, err, bpf.ErrMapAccess)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestHandle_PublishOverwrites(t *testing.T) {
	m := &fakeMap{entries: map[uint32]any{}}
	s := storeWith(t, map[string]*fakeMap{bpf.MACMapPath: m})

	h, err := s.Open(bpf.MACMapPath)
	require.NoError(t, err)

	require.NoError(t, h.Publish(bpf.SingletonKey, uint64(0x111111111111)))
	require.NoError(t, h.Publish(bpf.SingletonKey, uint64(0x222222222222)))

	require.Len(t, m.entries, 1)
	require.Equal(t, uint64(0x222222222222), m.entries[bpf.SingletonKey])
	require.Equal(t, []ebpf.MapUpdateFlags{ebpf.UpdateAny, ebpf.UpdateAny}, m.flags)
}

func TestHandle_PublishFailure(t *testing.T) {
	m := &fakeMap{entries: map[uint32]any{}, err: errors.New("key too big")}
	s := storeWith(t, map[string]*fakeMap{bpf.InterfaceMapPath: m})

	h, err := s.Open(bpf.InterfaceMapPath)
	require.NoError(t, err)

	err = h.Publish(bpf.SingletonKey, bpf.IPv4Value(netip.MustParseAddr("10.0.0.5")))
	require.ErrorIs(t, err, bpf.ErrMapAccess)
	require.Empty(t, m.entries)
}

func TestIPv4Value(t *testing.T) {
	tests := []struct {
		name     string
		addr     netip.Addr
		expected [4]byte
	}{
		{name: "network order", addr: netip.MustParseAddr("10.0.0.5"), expected: [4]byte{10, 0, 0, 5}},
		{name: "ipv4 mapped", addr: netip.MustParseAddr("::ffff:192.168.1.2"), expected: [4]byte{}},
		{name: "invalid", addr: netip.Addr{}, expected: [4]byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, bpf.IPv4Value(tt.addr))
		})
	}
}

func TestHardwareAddrValue(t *testing.T) {
	require.Equal(t, uint64(0xAABBCCDDEEFF), bpf.HardwareAddrValue([6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}))
	require.Equal(t, uint64(0), bpf.HardwareAddrValue([6]byte{}))
	require.Equal(t, uint64(0x010000000000), bpf.HardwareAddrValue([6]byte{0x01}))
}

// TestHandle_KernelMap needs CAP_BPF (or root); it is skipped otherwise.
func TestHandle_KernelMap(t *testing.T) {
	_ = rlimit.RemoveMemlock()

	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 1,
	})
	if err != nil {
		t.Skipf("can't create BPF map: %v", err)
	}
	defer m.Close()

	s := bpf.NewStore(zaptest.NewLogger(t).Sugar(), bpf.WithOpener(func(string) (bpf.Map, error) {
		return m, nil
	}))

	h, err := s.Open("mac_map")
	require.NoError(t, err)

	require.NoError(t, h.Publish(bpf.SingletonKey, bpf.HardwareAddrValue([6]byte{1, 2, 3, 4, 5, 6})))
	require.NoError(t, h.Publish(bpf.SingletonKey, bpf.HardwareAddrValue([6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})))

	var got uint64
	require.NoError(t, m.Lookup(bpf.SingletonKey, &got))
	require.Equal(t, uint64(0xAABBCCDDEEFF), got)
}

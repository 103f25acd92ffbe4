package guestmem

import (
	"sync/atomic"
	"testing"

	"github.com/slackhq/vring/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/hostarch"
)

func newTestMemory(t *testing.T, regions ...Region) *Memory {
	t.Helper()
	m, err := NewMemory(test.NewLogger(), regions...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, m.Close())
	})
	return m
}

func TestNewMemory_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		regions []Region
	}{
		{name: "none"},
		{name: "empty", regions: []Region{{GuestPhysicalAddress: 0x1000}}},
		{name: "misaligned address", regions: []Region{{GuestPhysicalAddress: 0x1001, Size: 0x1000}}},
		{name: "misaligned size", regions: []Region{{GuestPhysicalAddress: 0x1000, Size: 0x800}}},
		{name: "overlap", regions: []Region{
			{GuestPhysicalAddress: 0x2000, Size: 0x2000},
			{GuestPhysicalAddress: 0x1000, Size: 0x2000},
		}},
		{name: "wraps", regions: []Region{{GuestPhysicalAddress: 0xffff_ffff_ffff_f000, Size: 0x2000}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMemory(test.NewLogger(), tt.regions...)
			assert.ErrorIs(t, err, ErrInvalidRegion)
		})
	}
}

func TestMemory_ReadWrite(t *testing.T) {
	m := newTestMemory(t,
		Region{GuestPhysicalAddress: 0x10000, Size: 4 * hostarch.PageSize},
		Region{GuestPhysicalAddress: 0x1000, Size: hostarch.PageSize},
	)

	assert.Equal(t, []Region{
		{GuestPhysicalAddress: 0x1000, Size: hostarch.PageSize},
		{GuestPhysicalAddress: 0x10000, Size: 4 * hostarch.PageSize},
	}, m.Regions())
	test.AssertDeepCopyEqual(t, m.Regions(), m.Regions())

	n, err := m.WriteAt([]byte("hello"), 0x10ffe)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = m.ReadAt(buf, 0x10ffe)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	_, err = m.ReadAt(buf, 0x1ffe)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = m.Slice(0x3000, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestMemory_Lease(t *testing.T) {
	m := newTestMemory(t, Region{GuestPhysicalAddress: 0x4000, Size: 2 * hostarch.PageSize})

	var expired atomic.Int32
	l, err := m.AcquireLease(func() { expired.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, m.OutstandingLeases())
	assert.False(t, l.Expired())

	page := l.Translate(0x5000)
	require.Len(t, page, hostarch.PageSize)
	page[0] = 0xab
	b, err := m.Slice(0x5000, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), b[0])

	assert.Nil(t, l.Translate(0x5001), "unaligned address")
	assert.Nil(t, l.Translate(0x6000), "outside of guest memory")

	m.ExpireLeases()
	assert.True(t, l.Expired())
	assert.EqualValues(t, 1, expired.Load())

	// Expiring again does not call the callback again.
	m.ExpireLeases()
	assert.EqualValues(t, 1, expired.Load())

	m.ReleaseLease(l)
	m.ReleaseLease(l)
	assert.Equal(t, 0, m.OutstandingLeases())
	assert.Nil(t, l.Translate(0x4000))
}

func TestMemory_DenyLeases(t *testing.T) {
	m := newTestMemory(t, Region{GuestPhysicalAddress: 0x4000, Size: hostarch.PageSize})

	m.DenyLeases(true)
	_, err := m.AcquireLease(nil)
	assert.ErrorIs(t, err, ErrLeaseDenied)

	m.DenyLeases(false)
	l, err := m.AcquireLease(nil)
	require.NoError(t, err)
	m.ReleaseLease(l)
}

func TestMemory_InjectMSI(t *testing.T) {
	m := newTestMemory(t, Region{GuestPhysicalAddress: 0x4000, Size: hostarch.PageSize})

	l, err := m.AcquireLease(nil)
	require.NoError(t, err)
	assert.ErrorIs(t, l.InjectMSI(0xfee00000, 0x41), ErrNoMSIHandler)

	var gotAddr, gotMsg uint64
	m.SetMSIHandler(func(addr, msg uint64) error {
		gotAddr, gotMsg = addr, msg
		return nil
	})
	require.NoError(t, l.InjectMSI(0xfee00000, 0x41))
	assert.Equal(t, uint64(0xfee00000), gotAddr)
	assert.Equal(t, uint64(0x41), gotMsg)

	m.ReleaseLease(l)
	assert.ErrorIs(t, l.InjectMSI(0xfee00000, 0x41), ErrLeaseReleased)
}

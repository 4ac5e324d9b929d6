package record_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etw_listener/internal/etw/record"
	"etw_listener/internal/etw/record/recordtest"
)

func TestCloneUnboundView(t *testing.T) {
	var v record.View
	c, err := v.Clone()
	assert.Nil(t, c)
	assert.ErrorIs(t, err, record.ErrUnbound)

	var nilView *record.View
	_, err = nilView.Clone()
	assert.ErrorIs(t, err, record.ErrUnbound)
}

func TestCloneIsIndependentOfSource(t *testing.T) {
	p := recordtest.NewPayload().Uint32(0xCAFEBABE).UTF16String("explorer.exe").Uint8(7)
	r := recordtest.New().
		Provider(kernelProcess).
		ProcessID(1234).
		ThreadID(42).
		EventID(5).
		Timestamp(987654321).
		Payload(p).
		StackTrace64(1, 0x1000, 0x2000).
		Build()

	v := bind(r)
	before := live()
	c, err := v.Clone()
	require.NoError(t, err)
	defer c.Release()
	assert.Equal(t, before+1, live())

	// The tracing subsystem reuses the buffer for the next event.
	r.Scribble(0xEE)
	v.Unbind()

	assert.True(t, c.IsClone())
	assert.True(t, c.IsBound())
	assert.Equal(t, kernelProcess, c.ProviderID())
	assert.Equal(t, uint32(1234), c.ProcessID())
	assert.Equal(t, uint32(42), c.ThreadID())
	assert.Equal(t, uint16(5), c.EventID())
	assert.Equal(t, int64(987654321), c.Timestamp())
	assert.Equal(t, uint16(p.Len()), c.UserDataLength())
	assert.Equal(t, uint32(0xCAFEBABE), c.Uint32(0))

	name, next := c.UTF16String(4)
	assert.Equal(t, "explorer.exe", name)
	assert.Equal(t, uint8(7), c.Uint8(next))

	assert.Zero(t, c.ExtendedDataCount())
	assert.Nil(t, c.ExtendedData())
	assert.Equal(t, []uint64{0x1000, 0x2000}, c.CallstackExtendedData())
}

func TestCloneUnalignedUserData(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7}
	r := recordtest.New().UserData(data).Build()

	c, err := bind(r).Clone()
	require.NoError(t, err)
	defer c.Release()

	r.Scribble(0)
	assert.Equal(t, data, c.UserData())
}

func TestCloneWithoutUserData(t *testing.T) {
	r := recordtest.New().ProcessID(8).Build()

	c, err := bind(r).Clone()
	require.NoError(t, err)
	defer c.Release()

	assert.Equal(t, uint32(8), c.ProcessID())
	assert.Zero(t, c.UserDataLength())
	assert.Nil(t, c.UserData())
	assert.Nil(t, c.UserDataPointer())
}

func TestCloneOfClone(t *testing.T) {
	r := recordtest.New().ProcessID(3).UserData([]byte{9, 9}).StackTrace32(0, 0xAB).Build()

	c1, err := bind(r).Clone()
	require.NoError(t, err)
	c2, err := c1.Clone()
	require.NoError(t, err)
	c1.Release()
	defer c2.Release()

	assert.Equal(t, uint32(3), c2.ProcessID())
	assert.Equal(t, []byte{9, 9}, c2.UserData())
	assert.Equal(t, []uint64{0xAB}, c2.CallstackExtendedData())
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := recordtest.New().ProcessID(1).UserData([]byte{1, 2, 3, 4}).Build()
	v := bind(r)

	before := live()
	c, err := v.Clone()
	require.NoError(t, err)

	c.Release()
	assert.Equal(t, before, live())
	assert.False(t, c.IsBound())
	assert.Zero(t, c.ProcessID())

	c.Release()
	require.NoError(t, c.Close())
	assert.Equal(t, before, live())

	_, err = c.Clone()
	assert.ErrorIs(t, err, record.ErrUnbound)

	// Releasing a borrowed view does nothing.
	v.Release()
	assert.True(t, v.IsBound())
}

func live() int64 {
	return record.LiveClones()
}

func TestBoundRecordKeepsUserDataReachable(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF, 1, 2, 3, 4, 5}
	// Only the EVENT_RECORD is kept; its user data buffer must stay alive
	// through the record's own pointer field.
	rec := recordtest.New().UserData(data).Build().Ptr()
	runtime.GC()
	runtime.GC()

	v := &record.View{}
	v.Bind(rec)
	assert.Equal(t, data, v.UserData())

	c, err := v.Clone()
	require.NoError(t, err)
	defer c.Release()
	assert.Equal(t, c.UserDataPointer(), c.Record().UserData)
	assert.NotEqual(t, v.UserDataPointer(), c.UserDataPointer())
}

func TestCopyUserDataOutlivesRelease(t *testing.T) {
	first := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	c, err := bind(recordtest.New().UserData(first).Build()).Clone()
	require.NoError(t, err)

	owned := c.CopyUserData()
	c.Release()
	assert.Nil(t, c.UserData())

	// The next clone may reuse the released block.
	next, err := bind(recordtest.New().UserData([]byte{9, 9, 9, 9, 9, 9, 9, 9}).Build()).Clone()
	require.NoError(t, err)
	defer next.Release()

	assert.Equal(t, first, owned)
	assert.Nil(t, (&record.View{}).CopyUserData())
}

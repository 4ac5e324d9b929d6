package record

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// cloneBlock backs a cloned record: the EVENT_RECORD followed by the user
// data padded to a 4-byte boundary.
type cloneBlock struct {
	words []uint64
}

var (
	blockPool  = sync.Pool{New: func() any { return new(cloneBlock) }}
	liveClones atomic.Int64
)

// LiveClones returns the number of clones that have not been released.
func LiveClones() int64 {
	return liveClones.Load()
}

func acquireBlock(size int) *cloneBlock {
	b := blockPool.Get().(*cloneBlock)
	n := (size + 7) / 8
	if cap(b.words) < n {
		b.words = make([]uint64, n)
	} else {
		b.words = b.words[:n]
		clear(b.words)
	}
	return b
}

func (b *cloneBlock) base() unsafe.Pointer {
	return unsafe.Pointer(&b.words[0])
}

// copyWords copies n 4-byte words from src to dst.
func copyWords(dst, src unsafe.Pointer, n int) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*uint32)(dst), n), unsafe.Slice((*uint32)(src), n))
}

// Clone copies the record header and user data into memory owned by the
// returned View, which stays valid after the dispatch callback returns.
// Stack frames are extracted from the source before copying, since the clone
// carries no extended data array. Call Release when done with the clone.
func (v *View) Clone() (*View, error) {
	if !v.IsBound() {
		return nil, ErrUnbound
	}

	userLen := int(v.rec.UserDataLength)
	if v.userData == nil {
		userLen = 0
	}
	padded := (userLen + 3) &^ 3

	b := acquireBlock(eventRecordSize + padded)
	copyWords(b.base(), unsafe.Pointer(v.rec), eventRecordSize/4)

	var dst unsafe.Pointer
	if userLen > 0 {
		dst = unsafe.Add(b.base(), eventRecordSize)
		whole := userLen / 4
		copyWords(dst, v.userData, whole)
		for i := whole * 4; i < userLen; i++ {
			*(*byte)(unsafe.Add(dst, i)) = *(*byte)(unsafe.Add(v.userData, i))
		}
	}

	rec := (*EventRecord)(b.base())
	rec.ExtendedData = nil
	rec.ExtendedDataCount = 0
	rec.UserDataLength = uint16(userLen)

	clone := &View{
		rec:    rec,
		diag:   v.diag,
		block:  b,
		frames: v.CallstackExtendedData(),
	}
	clone.userData = dst
	rec.UserData = dst

	liveClones.Add(1)
	return clone, nil
}

// Release returns the memory of a clone. The clone is unbound afterwards.
// It is a no-op on borrowed views and on clones already released.
func (v *View) Release() {
	if v == nil || v.block == nil || !v.released.CompareAndSwap(false, true) {
		return
	}
	b := v.block
	v.rec = nil
	v.userData = nil
	v.frames = nil
	v.block = nil

	liveClones.Add(-1)
	blockPool.Put(b)
}

// Close releases the clone. It implements io.Closer.
func (v *View) Close() error {
	v.Release()
	return nil
}

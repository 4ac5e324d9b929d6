package record

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/Microsoft/go-winio/pkg/guid"
)

// ErrUnbound is returned by operations that need a backing event record when
// the View has none.
var ErrUnbound = errors.New("record: view is not bound to an event record")

// View is a read-only facade over one event record and its user data.
//
// A View handed to a receiver by the dispatcher borrows memory owned by the
// tracing subsystem. It is unbound as soon as the receiver returns, after
// which every accessor returns zero values. Use Clone to keep the data.
type View struct {
	rec      *EventRecord
	userData unsafe.Pointer
	diag     *Diagnostics

	// Set on clones only.
	block    *cloneBlock
	frames   []uint64
	released atomic.Bool
}

// Bind points the view at rec. Passing nil unbinds it.
func (v *View) Bind(rec *EventRecord) {
	v.rec = rec
	if rec == nil {
		v.userData = nil
		return
	}
	v.userData = rec.UserData
}

// Unbind detaches the view from its record.
func (v *View) Unbind() {
	v.rec = nil
	v.userData = nil
}

// SetDiagnostics enables string diagnostics for reads through this view.
func (v *View) SetDiagnostics(d *Diagnostics) {
	v.diag = d
}

func (v *View) IsBound() bool {
	return v != nil && v.rec != nil
}

// IsClone reports whether the view owns its memory.
func (v *View) IsClone() bool {
	return v.block != nil
}

// Record returns the underlying record, or nil when unbound.
func (v *View) Record() *EventRecord {
	return v.rec
}

func (v *View) header() *EventHeader {
	if v.rec == nil {
		return &EventHeader{}
	}
	return &v.rec.EventHeader
}

func (v *View) ActivityID() guid.GUID { return v.header().ActivityID }
func (v *View) ProviderID() guid.GUID { return v.header().ProviderID }
func (v *View) EventID() uint16       { return v.header().EventDescriptor.ID }
func (v *View) Version() uint8        { return v.header().EventDescriptor.Version }
func (v *View) Channel() uint8        { return v.header().EventDescriptor.Channel }
func (v *View) Level() uint8          { return v.header().EventDescriptor.Level }
func (v *View) Opcode() uint8         { return v.header().EventDescriptor.Opcode }
func (v *View) Task() uint16          { return v.header().EventDescriptor.Task }
func (v *View) Keyword() uint64       { return v.header().EventDescriptor.Keyword }
func (v *View) ProcessID() uint32     { return v.header().ProcessID }
func (v *View) ThreadID() uint32      { return v.header().ThreadID }
func (v *View) Flags() uint16         { return v.header().Flags }

// Timestamp is the raw event timestamp in the session's clock units.
func (v *View) Timestamp() int64 { return v.header().TimeStamp }

func (v *View) UserDataLength() uint16 {
	if v.rec == nil {
		return 0
	}
	return v.rec.UserDataLength
}

// UserDataPointer returns the start of the user data buffer.
func (v *View) UserDataPointer() unsafe.Pointer {
	return v.userData
}

// UserData returns the user data as a byte slice aliasing the record buffer.
// For a borrowed view the slice is valid until the callback returns; for a
// clone, until Release, after which the memory is reused by later clones.
// Use CopyUserData to keep the bytes longer.
func (v *View) UserData() []byte {
	n := int(v.UserDataLength())
	if n == 0 || v.userData == nil {
		return nil
	}
	return unsafe.Slice((*byte)(v.userData), n)
}

// CopyUserData returns a copy of the user data owned by the caller.
func (v *View) CopyUserData() []byte {
	ud := v.UserData()
	if ud == nil {
		return nil
	}
	return append([]byte(nil), ud...)
}

func (v *View) ExtendedDataCount() uint16 {
	if v.rec == nil {
		return 0
	}
	return v.rec.ExtendedDataCount
}

// ExtendedData returns the extended data items of a borrowed record.
// Clones carry no extended data array.
func (v *View) ExtendedData() []ExtendedDataItem {
	n := int(v.ExtendedDataCount())
	if n == 0 || v.rec.ExtendedData == nil {
		return nil
	}
	return unsafe.Slice(v.rec.ExtendedData, n)
}

// PointerSize is the pointer width of the process that logged the event.
func (v *View) PointerSize() int {
	if v.Flags()&EventHeaderFlag32BitHeader != 0 {
		return 4
	}
	return 8
}

func (v *View) Int8(offset int) int8 {
	if v.userData == nil {
		return 0
	}
	return ReadInt8(v.userData, offset)
}

func (v *View) Uint8(offset int) uint8 {
	if v.userData == nil {
		return 0
	}
	return ReadUint8(v.userData, offset)
}

func (v *View) Int16(offset int) int16 {
	if v.userData == nil {
		return 0
	}
	return ReadInt16(v.userData, offset)
}

func (v *View) Uint16(offset int) uint16 {
	if v.userData == nil {
		return 0
	}
	return ReadUint16(v.userData, offset)
}

func (v *View) Int32(offset int) int32 {
	if v.userData == nil {
		return 0
	}
	return ReadInt32(v.userData, offset)
}

func (v *View) Uint32(offset int) uint32 {
	if v.userData == nil {
		return 0
	}
	return ReadUint32(v.userData, offset)
}

func (v *View) Int64(offset int) int64 {
	if v.userData == nil {
		return 0
	}
	return ReadInt64(v.userData, offset)
}

func (v *View) Uint64(offset int) uint64 {
	if v.userData == nil {
		return 0
	}
	return ReadUint64(v.userData, offset)
}

// Pointer reads a pointer-sized value, sized by the record's header flags.
func (v *View) Pointer(offset int) uint64 {
	if v.userData == nil {
		return 0
	}
	return ReadPointer(v.userData, offset, v.PointerSize())
}

func (v *View) Float32(offset int) float32 {
	if v.userData == nil {
		return 0
	}
	return ReadFloat32(v.userData, offset)
}

func (v *View) Float64(offset int) float64 {
	if v.userData == nil {
		return 0
	}
	return ReadFloat64(v.userData, offset)
}

// Bytes copies n bytes of user data starting at offset.
func (v *View) Bytes(offset, n int) []byte {
	if v.userData == nil {
		return nil
	}
	return ReadBytes(v.userData, offset, n)
}

func (v *View) GUID(offset int) guid.GUID {
	if v.userData == nil {
		return guid.GUID{}
	}
	return ReadGUID(v.userData, offset)
}

// UTF16String reads a null-terminated UTF-16 string and returns the offset
// of the next field.
func (v *View) UTF16String(offset int) (string, int) {
	if v.userData == nil {
		return "", offset
	}
	s, next := ReadUTF16String(v.userData, offset)
	return v.diag.checkString(v, s, offset, next), next
}

// CountedUTF16String reads a UTF-16 string prefixed by its byte length.
func (v *View) CountedUTF16String(offset int) (string, int) {
	if v.userData == nil {
		return "", offset
	}
	s, next := ReadCountedUTF16String(v.userData, offset)
	return v.diag.checkString(v, s, offset, next), next
}

// AnsiString reads a null-terminated 8-bit string.
func (v *View) AnsiString(offset int) (string, int) {
	if v.userData == nil {
		return "", offset
	}
	s, next := ReadAnsiString(v.userData, offset)
	return v.diag.checkString(v, s, offset, next), next
}

// CallstackExtendedData returns the frames of the first stack trace attached
// to the record, preferring the 64-bit variant. Frames are in the order the
// platform captured them (innermost first). A clone returns the frames that
// were extracted when it was made.
func (v *View) CallstackExtendedData() []uint64 {
	if v.block != nil {
		return v.frames
	}
	if v.rec == nil {
		return nil
	}
	return findStackTrace(v.ExtendedData())
}

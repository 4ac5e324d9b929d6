// Package recordtest builds synthetic event records in Go memory for tests.
package recordtest

import (
	"encoding/binary"
	"math"
	"unicode/utf16"
	"unsafe"

	"github.com/Microsoft/go-winio/pkg/guid"

	"etw_listener/internal/etw/record"
)

// Record is a synthetic EVENT_RECORD whose user data and extended data live
// in Go memory referenced by the Record itself.
type Record struct {
	rec      *record.EventRecord
	userData []uint64
	ext      []record.ExtendedDataItem
	extData  [][]uint64
	userLen  int
}

// Ptr returns the record in the form the dispatcher receives it.
func (r *Record) Ptr() *record.EventRecord {
	return r.rec
}

// UserData exposes the record's user data buffer for in-place mutation.
func (r *Record) UserData() []byte {
	if r.userLen == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&r.userData[0])), r.userLen)
}

// Scribble overwrites the header and user data with b, simulating the tracing
// subsystem reusing the buffer for the next event.
func (r *Record) Scribble(b byte) {
	hdr := unsafe.Slice((*byte)(unsafe.Pointer(&r.rec.EventHeader)), unsafe.Sizeof(r.rec.EventHeader))
	for i := range hdr {
		hdr[i] = b
	}
	ud := r.UserData()
	for i := range ud {
		ud[i] = b
	}
}

// Builder assembles a Record.
type Builder struct {
	hdr      record.EventHeader
	payload  []byte
	extTypes []uint16
	extData  [][]byte
}

func New() *Builder {
	return &Builder{}
}

func (b *Builder) ProcessID(pid uint32) *Builder  { b.hdr.ProcessID = pid; return b }
func (b *Builder) ThreadID(tid uint32) *Builder   { b.hdr.ThreadID = tid; return b }
func (b *Builder) Provider(id guid.GUID) *Builder { b.hdr.ProviderID = id; return b }
func (b *Builder) Activity(id guid.GUID) *Builder { b.hdr.ActivityID = id; return b }
func (b *Builder) EventID(id uint16) *Builder     { b.hdr.EventDescriptor.ID = id; return b }
func (b *Builder) Version(v uint8) *Builder       { b.hdr.EventDescriptor.Version = v; return b }
func (b *Builder) Opcode(op uint8) *Builder       { b.hdr.EventDescriptor.Opcode = op; return b }
func (b *Builder) Level(l uint8) *Builder         { b.hdr.EventDescriptor.Level = l; return b }
func (b *Builder) Task(t uint16) *Builder         { b.hdr.EventDescriptor.Task = t; return b }
func (b *Builder) Keyword(k uint64) *Builder      { b.hdr.EventDescriptor.Keyword = k; return b }
func (b *Builder) Timestamp(ts int64) *Builder    { b.hdr.TimeStamp = ts; return b }
func (b *Builder) Flags(f uint16) *Builder        { b.hdr.Flags |= f; return b }
func (b *Builder) UserData(p []byte) *Builder     { b.payload = append([]byte(nil), p...); return b }
func (b *Builder) Payload(p *Payload) *Builder    { return b.UserData(p.Bytes()) }

// ExtendedItem attaches a raw extended data item.
func (b *Builder) ExtendedItem(extType uint16, data []byte) *Builder {
	b.extTypes = append(b.extTypes, extType)
	b.extData = append(b.extData, append([]byte(nil), data...))
	return b
}

// StackTrace64 attaches an EVENT_EXTENDED_ITEM_STACK_TRACE64.
func (b *Builder) StackTrace64(matchID uint64, frames ...uint64) *Builder {
	p := NewPayload().Uint64(matchID)
	for _, f := range frames {
		p.Uint64(f)
	}
	return b.ExtendedItem(record.ExtTypeStackTrace64, p.Bytes())
}

// StackTrace32 attaches an EVENT_EXTENDED_ITEM_STACK_TRACE32.
func (b *Builder) StackTrace32(matchID uint64, frames ...uint32) *Builder {
	p := NewPayload().Uint64(matchID)
	for _, f := range frames {
		p.Uint32(f)
	}
	return b.ExtendedItem(record.ExtTypeStackTrace32, p.Bytes())
}

// Build lays the record out the way the tracing subsystem delivers it.
func (b *Builder) Build() *Record {
	r := &Record{rec: &record.EventRecord{EventHeader: b.hdr}}
	r.rec.EventHeader.Size = uint16(unsafe.Sizeof(r.rec.EventHeader))
	if r.rec.EventHeader.Flags&(record.EventHeaderFlag32BitHeader|record.EventHeaderFlag64BitHeader) == 0 {
		r.rec.EventHeader.Flags |= record.EventHeaderFlag64BitHeader
	}

	if len(b.payload) > 0 {
		r.userData = alignedCopy(b.payload)
		r.userLen = len(b.payload)
		r.rec.UserDataLength = uint16(len(b.payload))
		r.rec.UserData = unsafe.Pointer(&r.userData[0])
	}

	if len(b.extTypes) > 0 {
		r.ext = make([]record.ExtendedDataItem, len(b.extTypes))
		r.extData = make([][]uint64, len(b.extTypes))
		for i, t := range b.extTypes {
			r.ext[i].ExtType = t
			r.ext[i].DataSize = uint16(len(b.extData[i]))
			if len(b.extData[i]) > 0 {
				r.extData[i] = alignedCopy(b.extData[i])
				r.ext[i].DataPtr = unsafe.Pointer(&r.extData[i][0])
			}
		}
		r.rec.ExtendedData = &r.ext[0]
		r.rec.ExtendedDataCount = uint16(len(r.ext))
		r.rec.EventHeader.Flags |= record.EventHeaderFlagExtendedInfo
	}
	return r
}

func alignedCopy(p []byte) []uint64 {
	words := make([]uint64, (len(p)+7)/8)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8), p)
	return words
}

// Payload encodes little-endian user data fields.
type Payload struct {
	buf []byte
}

func NewPayload() *Payload {
	return &Payload{}
}

func (p *Payload) Bytes() []byte { return p.buf }
func (p *Payload) Len() int      { return len(p.buf) }

func (p *Payload) Uint8(v uint8) *Payload { p.buf = append(p.buf, v); return p }

func (p *Payload) Uint16(v uint16) *Payload {
	p.buf = binary.LittleEndian.AppendUint16(p.buf, v)
	return p
}

func (p *Payload) Uint32(v uint32) *Payload {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
	return p
}

func (p *Payload) Uint64(v uint64) *Payload {
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
	return p
}

func (p *Payload) Float64(v float64) *Payload { return p.Uint64(math.Float64bits(v)) }

func (p *Payload) Raw(b []byte) *Payload { p.buf = append(p.buf, b...); return p }

func (p *Payload) GUID(g guid.GUID) *Payload {
	p.Uint32(g.Data1).Uint16(g.Data2).Uint16(g.Data3)
	p.buf = append(p.buf, g.Data4[:]...)
	return p
}

// UTF16String appends s as a null-terminated UTF-16 string.
func (p *Payload) UTF16String(s string) *Payload {
	for _, u := range utf16.Encode([]rune(s)) {
		p.Uint16(u)
	}
	return p.Uint16(0)
}

// CountedUTF16String appends s prefixed by its UTF-16 byte length.
func (p *Payload) CountedUTF16String(s string) *Payload {
	units := utf16.Encode([]rune(s))
	p.Uint16(uint16(2 * len(units)))
	for _, u := range units {
		p.Uint16(u)
	}
	return p
}

// AnsiString appends s as a null-terminated 8-bit string.
func (p *Payload) AnsiString(s string) *Payload {
	p.buf = append(p.buf, s...)
	return p.Uint8(0)
}

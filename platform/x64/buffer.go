package x64

import (
	"encoding/binary"
)

// A growable code buffer.  The embedding host is responsible for copying the
// finished bytes into executable memory; the buffer itself is ordinary
// memory.
type Buffer struct {
	bytes []byte
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// The offset at which the next instruction will be emitted.
func (buffer *Buffer) CurrentPosition() int {
	return len(buffer.bytes)
}

func (buffer *Buffer) Reset() {
	buffer.bytes = buffer.bytes[:0]
}

func (buffer *Buffer) BufferStart() []byte {
	return buffer.bytes
}

func (buffer *Buffer) appendBytes(bytes ...byte) {
	buffer.bytes = append(buffer.bytes, bytes...)
}

func (buffer *Buffer) appendUint32(value uint32) {
	buffer.bytes = binary.LittleEndian.AppendUint32(buffer.bytes, value)
}

func (buffer *Buffer) appendUint64(value uint64) {
	buffer.bytes = binary.LittleEndian.AppendUint64(buffer.bytes, value)
}

func (buffer *Buffer) patchUint32(offset int, value uint32) {
	binary.LittleEndian.PutUint32(buffer.bytes[offset:], value)
}

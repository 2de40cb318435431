package qsys

import "bytes"

// frameDelimiter terminates every message on the raw TCP transport.
const frameDelimiter = 0x00

// maxFrameSize bounds the bytes buffered while waiting for a delimiter.
const maxFrameSize = 4 << 20 // 4MB

// FrameBuffer reassembles NUL-terminated frames from arbitrary chunks.
//
// Bytes after the last delimiter are kept until more data arrives, so a
// frame split across any number of reads is reassembled exactly once.
// Frames containing only whitespace are skipped.
//
// FrameBuffer is not safe for concurrent use; the reader goroutine owns it.
type FrameBuffer struct {
	buf []byte
	max int
}

// NewFrameBuffer creates a buffer that fails once more than max bytes
// are pending without a delimiter. Zero means maxFrameSize.
func NewFrameBuffer(max int) *FrameBuffer {
	if max <= 0 {
		max = maxFrameSize
	}
	return &FrameBuffer{max: max}
}

// Write appends a chunk read from the wire.
func (f *FrameBuffer) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame without its delimiter. The second
// result is false when no complete frame is buffered. ErrFrameTooLarge is
// returned when the pending partial frame outgrows the limit.
func (f *FrameBuffer) Next() ([]byte, bool, error) {
	for {
		idx := bytes.IndexByte(f.buf, frameDelimiter)
		if idx < 0 {
			if len(f.buf) > f.max {
				return nil, false, ErrFrameTooLarge
			}
			return nil, false, nil
		}

		frame := make([]byte, idx)
		copy(frame, f.buf[:idx])

		// Compact in place so the backing array does not grow without bound.
		n := copy(f.buf, f.buf[idx+1:])
		f.buf = f.buf[:n]

		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		return frame, true, nil
	}
}

// Buffered returns the number of bytes waiting for a delimiter.
func (f *FrameBuffer) Buffered() int {
	return len(f.buf)
}

// Encode appends the delimiter to a serialized message.
func Encode(msg []byte) []byte {
	out := make([]byte, len(msg)+1)
	copy(out, msg)
	out[len(msg)] = frameDelimiter
	return out
}

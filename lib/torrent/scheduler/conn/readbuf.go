// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package conn

import (
	"errors"
	"io"
	"net"

	"github.com/lodeswarm/lodeswarm/utils/memsize"
)

// readBufSize fits the largest expected message (a piece: 16 KiB payload
// plus 17 bytes of framing) with room to buffer ahead.
const readBufSize = int(32 * memsize.KB)

// ErrReadBufFull occurs when a peer sends a message larger than the read
// buffer.
var ErrReadBufFull = errors.New("message exceeds read buffer")

// readBuf is a fixed circular buffer feeding the message decoder. The
// decoder works on a single contiguous slice; when a message straddles the
// wrap point the buffer is rotated so the readable bytes start at offset 0.
type readBuf struct {
	buf    []byte
	start  int // Offset of the first readable byte.
	length int // Number of readable bytes.
}

func newReadBuf() *readBuf {
	return &readBuf{buf: make([]byte, readBufSize)}
}

// contiguous returns the readable bytes up to the wrap point.
func (b *readBuf) contiguous() []byte {
	n := b.length
	if b.start+n > len(b.buf) {
		n = len(b.buf) - b.start
	}
	return b.buf[b.start : b.start+n]
}

// wrapped returns true if some readable bytes lie beyond the wrap point,
// i.e. contiguous() does not expose everything buffered.
func (b *readBuf) wrapped() bool {
	return b.start+b.length > len(b.buf)
}

// rotate moves the readable bytes to offset 0.
func (b *readBuf) rotate() {
	if b.start == 0 {
		return
	}
	tmp := make([]byte, b.length)
	n := copy(tmp, b.contiguous())
	copy(tmp[n:], b.buf[:b.length-n])
	copy(b.buf, tmp)
	b.start = 0
}

// consume releases n readable bytes.
func (b *readBuf) consume(n int) {
	b.start = (b.start + n) % len(b.buf)
	b.length -= n
	if b.length == 0 {
		b.start = 0
	}
}

// fill performs one read from nc into the first free region of the buffer;
// a second free region, if any, is read on a later call. A read that ends
// the stream or returns no bytes yields ErrPeerDisconnected; other errors of
// nc.Read are returned unchanged.
func (b *readBuf) fill(nc net.Conn) error {
	if b.length == len(b.buf) {
		return ErrReadBufFull
	}
	tail := (b.start + b.length) % len(b.buf)
	var free net.Buffers
	if tail >= b.start && b.start+b.length < len(b.buf) {
		// Free space: [tail, end) and [0, start).
		free = append(free, b.buf[tail:])
		if b.start > 0 {
			free = append(free, b.buf[:b.start])
		}
	} else {
		// Free space: [tail, start).
		free = append(free, b.buf[tail:b.start])
	}

	// Read into the first free region; the second is picked up on the next
	// call once the first fills.
	n, err := nc.Read(free[0])
	if n > 0 {
		b.length += n
	}
	if err == io.EOF || (err == nil && n == 0) {
		return ErrPeerDisconnected
	}
	if err != nil {
		return err
	}
	return nil
}

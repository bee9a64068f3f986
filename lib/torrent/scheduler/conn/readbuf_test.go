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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadBufWrapAndRotate(t *testing.T) {
	require := require.New(t)

	b := newReadBuf()

	// Fill most of the buffer, then consume so the readable region sits
	// near the end.
	n := copy(b.buf, make([]byte, readBufSize-4))
	b.length = n
	b.consume(readBufSize - 8)
	require.Equal(4, b.length)
	require.Equal(readBufSize-8, b.start)

	// Append 8 more bytes: 4 fit before the end, 4 wrap around.
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	copy(b.buf[b.start+b.length:], payload[:4])
	copy(b.buf[:4], payload[4:])
	b.length += 8

	require.True(b.wrapped())
	require.Len(b.contiguous(), 8)

	b.rotate()
	require.False(b.wrapped())
	require.Equal(0, b.start)
	require.Equal(12, b.length)
	require.Equal(payload, b.contiguous()[4:])
}

func TestReadBufConsumeResetsWhenEmpty(t *testing.T) {
	require := require.New(t)

	b := newReadBuf()
	b.length = 100
	b.start = 50
	b.consume(100)
	require.Equal(0, b.length)
	require.Equal(0, b.start)
}

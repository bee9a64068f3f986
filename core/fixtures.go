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
package core

import (
	"bytes"
	"fmt"
	"math/rand"

	"github.com/lodeswarm/lodeswarm/lib/bencode"
)

// PeerIDFixture returns a randomly generated PeerID.
func PeerIDFixture() PeerID {
	p, err := RandomPeerID()
	if err != nil {
		panic(err)
	}
	return p
}

// InfoHashFixture returns a randomly generated InfoHash.
func InfoHashFixture() InfoHash {
	var h InfoHash
	rand.Read(h[:])
	return h
}

// BlobFixture returns size random bytes.
func BlobFixture(size int64) []byte {
	b := make([]byte, size)
	rand.Read(b)
	return b
}

// MetaInfoFixture returns a single-file MetaInfo for a random blob of the
// given size, along with the blob itself.
func MetaInfoFixture(size, pieceLength int64) (*MetaInfo, []byte) {
	blob := BlobFixture(size)
	mi, err := NewMetaInfoFromBlob(
		fmt.Sprintf("fixture-%08x", rand.Uint32()),
		bytes.NewReader(blob),
		pieceLength,
		[][]string{{"http://localhost/announce"}})
	if err != nil {
		panic(err)
	}
	return mi, blob
}

// MultiFileMetaInfoFixture returns a multi-file MetaInfo whose files have
// the given lengths, along with the combined blob. Zero-length files are
// allowed.
func MultiFileMetaInfoFixture(pieceLength int64, fileLengths ...int64) (*MetaInfo, []byte) {
	var blob []byte
	files := make([]FileDict, 0, len(fileLengths))
	for i, n := range fileLengths {
		blob = append(blob, BlobFixture(n)...)
		files = append(files, FileDict{
			Length: n,
			Path:   []string{fmt.Sprintf("file%d", i)},
		})
	}
	info, err := NewInfoFromBlob(
		fmt.Sprintf("fixture-%08x", rand.Uint32()),
		bytes.NewReader(blob),
		pieceLength)
	if err != nil {
		panic(err)
	}
	info.Length = 0
	info.Files = files
	infoBytes, err := bencode.Marshal(&info)
	if err != nil {
		panic(err)
	}
	mi, err := NewMetaInfoFromInfoBytes(infoBytes, nil)
	if err != nil {
		panic(err)
	}
	return mi, blob
}

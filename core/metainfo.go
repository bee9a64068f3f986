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
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/lodeswarm/lodeswarm/lib/bencode"
)

// PieceHashLen is the length of a single piece hash in the pieces blob.
const PieceHashLen = sha1.Size

// Info is the bencoded info dictionary of a torrent.
type Info struct {
	Name        string     `bencode:"name"`
	PieceLength int64      `bencode:"piece length"`
	Pieces      []byte     `bencode:"pieces"`
	Length      int64      `bencode:"length,omitempty"`
	Files       []FileDict `bencode:"files,omitempty"`
}

// FileDict is one entry of the info dictionary's files list.
type FileDict struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
	Attr   string   `bencode:"attr,omitempty"`
}

// NumPieces returns the number of pieces described by the pieces blob.
func (info *Info) NumPieces() int {
	return len(info.Pieces) / PieceHashLen
}

// TotalLength returns the total length of all files.
func (info *Info) TotalLength() int64 {
	if len(info.Files) == 0 {
		return info.Length
	}
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// Hash computes the InfoHash of info by canonically bencoding it.
func (info *Info) Hash() (InfoHash, error) {
	b, err := bencode.Marshal(info)
	if err != nil {
		return InfoHash{}, fmt.Errorf("bencode: %s", err)
	}
	return NewInfoHashFromInfoBytes(b), nil
}

// FileInfo locates one file within the linear torrent byte space.
type FileInfo struct {
	// RelativePath holds the path components below the torrent name
	// directory. Empty for the single file of a single-file torrent.
	RelativePath []string

	// OffsetInTorrent is the absolute byte offset of the file's first byte.
	OffsetInTorrent int64

	Length int64

	// PieceStart and PieceEnd bound the pieces overlapping the file:
	// [PieceStart, PieceEnd). Empty for zero-length files.
	PieceStart int
	PieceEnd   int

	// Padding files never touch disk: reads return zeros, writes are
	// discarded (BEP-47).
	Padding bool
}

// RelPath returns the file's path below the torrent directory, joined by
// slashes.
func (f *FileInfo) RelPath() string {
	return path.Join(f.RelativePath...)
}

// MetaInfo contains parsed torrent metadata.
type MetaInfo struct {
	info         Info
	infoHash     InfoHash
	rawInfoBytes []byte
	announceList [][]string
	fileInfos    []FileInfo
	lengths      *Lengths
}

type metaInfoDict struct {
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	Info         bencode.RawMessage `bencode:"info"`
}

// ParseMetaInfo parses a .torrent file. The info hash is the SHA-1 of the
// exact input bytes backing the info dictionary, captured during parsing.
func ParseMetaInfo(data []byte) (*MetaInfo, error) {
	var top metaInfoDict
	if err := bencode.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("parse torrent: %s", err)
	}
	if len(top.Info) == 0 {
		return nil, errors.New("parse torrent: missing info dict")
	}
	announceList := top.AnnounceList
	if len(announceList) == 0 && top.Announce != "" {
		announceList = [][]string{{top.Announce}}
	}
	mi, err := NewMetaInfoFromInfoBytes(top.Info, announceList)
	if err != nil {
		return nil, err
	}
	return mi, nil
}

// NewMetaInfoFromInfoBytes builds a MetaInfo from the raw bencoded bytes of
// an info dictionary, e.g. as assembled from ut_metadata pieces.
func NewMetaInfoFromInfoBytes(infoBytes []byte, announceList [][]string) (*MetaInfo, error) {
	var info Info
	if err := bencode.Unmarshal(infoBytes, &info); err != nil {
		return nil, fmt.Errorf("parse info dict: %s", err)
	}
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length %d", info.PieceLength)
	}
	if info.Name == "" {
		return nil, errors.New("empty torrent name")
	}
	if len(info.Pieces)%PieceHashLen != 0 {
		return nil, fmt.Errorf("pieces blob length %d is not a multiple of %d", len(info.Pieces), PieceHashLen)
	}
	if len(info.Files) > 0 && info.Length > 0 {
		return nil, errors.New("torrent has both length and files")
	}

	fileInfos, err := buildFileInfos(&info)
	if err != nil {
		return nil, err
	}

	total := info.TotalLength()
	if total <= 0 {
		return nil, fmt.Errorf("invalid total length %d", total)
	}
	if info.PieceLength > int64(^uint32(0)) {
		return nil, fmt.Errorf("piece length %d too large", info.PieceLength)
	}
	lengths, err := NewLengths(total, uint32(info.PieceLength))
	if err != nil {
		return nil, err
	}
	if info.NumPieces() != lengths.NumPieces() {
		return nil, fmt.Errorf(
			"pieces blob describes %d pieces, lengths imply %d", info.NumPieces(), lengths.NumPieces())
	}

	raw := make([]byte, len(infoBytes))
	copy(raw, infoBytes)

	return &MetaInfo{
		info:         info,
		infoHash:     NewInfoHashFromInfoBytes(raw),
		rawInfoBytes: raw,
		announceList: announceList,
		fileInfos:    fileInfos,
		lengths:      lengths,
	}, nil
}

func validatePathComponent(c string) error {
	if c == "" || c == "." || c == ".." {
		return fmt.Errorf("invalid path component %q", c)
	}
	if strings.ContainsAny(c, "/\\\x00") {
		return fmt.Errorf("invalid path component %q", c)
	}
	return nil
}

func buildFileInfos(info *Info) ([]FileInfo, error) {
	if err := validatePathComponent(info.Name); err != nil {
		return nil, fmt.Errorf("torrent name: %s", err)
	}

	pieceLength := info.PieceLength

	if len(info.Files) == 0 {
		if info.Length <= 0 {
			return nil, errors.New("single-file torrent with no length")
		}
		return []FileInfo{{
			Length:     info.Length,
			PieceStart: 0,
			PieceEnd:   int((info.Length + pieceLength - 1) / pieceLength),
		}}, nil
	}

	fileInfos := make([]FileInfo, 0, len(info.Files))
	var offset int64
	for _, f := range info.Files {
		if f.Length < 0 {
			return nil, fmt.Errorf("negative file length %d", f.Length)
		}
		if len(f.Path) == 0 {
			return nil, errors.New("file with empty path")
		}
		for _, c := range f.Path {
			if err := validatePathComponent(c); err != nil {
				return nil, err
			}
		}
		fi := FileInfo{
			RelativePath:    f.Path,
			OffsetInTorrent: offset,
			Length:          f.Length,
			Padding:         strings.ContainsRune(f.Attr, 'p'),
		}
		if f.Length > 0 {
			fi.PieceStart = int(offset / pieceLength)
			fi.PieceEnd = int((offset + f.Length + pieceLength - 1) / pieceLength)
		}
		fileInfos = append(fileInfos, fi)
		offset += f.Length
	}
	return fileInfos, nil
}

// InfoHash returns the torrent InfoHash.
func (mi *MetaInfo) InfoHash() InfoHash {
	return mi.infoHash
}

// Name returns the torrent name.
func (mi *MetaInfo) Name() string {
	return mi.info.Name
}

// Lengths returns the piece/chunk arithmetic for the torrent.
func (mi *MetaInfo) Lengths() *Lengths {
	return mi.lengths
}

// FileInfos returns the torrent's files in torrent byte space order.
func (mi *MetaInfo) FileInfos() []FileInfo {
	return mi.fileInfos
}

// AnnounceList returns the tracker tiers.
func (mi *MetaInfo) AnnounceList() [][]string {
	return mi.announceList
}

// NumPieces returns the number of pieces in the torrent.
func (mi *MetaInfo) NumPieces() int {
	return mi.lengths.NumPieces()
}

// Length returns the total torrent length.
func (mi *MetaInfo) Length() int64 {
	return mi.lengths.TotalLength()
}

// PieceLength returns the length of piece i.
func (mi *MetaInfo) PieceLength(i int) int64 {
	return mi.lengths.PieceLength(i)
}

// PieceHash returns the expected SHA-1 of piece i.
func (mi *MetaInfo) PieceHash(i int) ([PieceHashLen]byte, error) {
	var h [PieceHashLen]byte
	if !mi.lengths.ValidPieceIndex(i) {
		return h, fmt.Errorf("invalid piece index %d: num pieces = %d", i, mi.NumPieces())
	}
	copy(h[:], mi.info.Pieces[i*PieceHashLen:])
	return h, nil
}

// RawInfoBytes returns the canonical bencoded bytes of the info dictionary.
// Served to peers via the metadata exchange extension.
func (mi *MetaInfo) RawInfoBytes() []byte {
	return mi.rawInfoBytes
}

// Serialize emits the full .torrent file.
func (mi *MetaInfo) Serialize() ([]byte, error) {
	top := metaInfoDict{
		AnnounceList: mi.announceList,
		Info:         bencode.RawMessage(mi.rawInfoBytes),
	}
	if len(mi.announceList) > 0 && len(mi.announceList[0]) > 0 {
		top.Announce = mi.announceList[0][0]
	}
	return bencode.Marshal(top)
}

func (mi *MetaInfo) String() string {
	return fmt.Sprintf("metainfo(name=%s, hash=%s)", mi.Name(), mi.InfoHash().Hex())
}

// NewInfoFromBlob creates a new Info by hashing blob in pieceLength chunks.
func NewInfoFromBlob(name string, blob io.Reader, pieceLength int64) (Info, error) {
	if pieceLength <= 0 {
		return Info{}, errors.New("piece length must be positive")
	}
	var length int64
	var pieces []byte
	for {
		h := sha1.New()
		n, err := io.CopyN(h, blob, pieceLength)
		if err != nil && err != io.EOF {
			return Info{}, fmt.Errorf("read blob: %s", err)
		}
		length += n
		if n == 0 {
			break
		}
		pieces = h.Sum(pieces)
		if n < pieceLength {
			break
		}
	}
	return Info{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Length:      length,
	}, nil
}

// NewMetaInfoFromBlob creates a complete single-file MetaInfo by hashing
// blob. Used for seeding local content and in tests.
func NewMetaInfoFromBlob(name string, blob io.Reader, pieceLength int64, announceList [][]string) (*MetaInfo, error) {
	info, err := NewInfoFromBlob(name, blob, pieceLength)
	if err != nil {
		return nil, fmt.Errorf("new info: %s", err)
	}
	infoBytes, err := bencode.Marshal(&info)
	if err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	return NewMetaInfoFromInfoBytes(infoBytes, announceList)
}

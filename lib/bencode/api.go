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

// Package bencode implements the bencoding described in BEP-3: byte strings,
// integers, lists and dictionaries with byte string keys. Dictionaries are
// always emitted with keys in ascending lexicographic order, which makes
// Marshal output canonical. Unmarshal does not require sorted keys and skips
// dictionary keys that match no struct field, so re-encoding a decoded value
// can differ from the input; RawMessage keeps the exact input bytes.
package bencode

import (
	"fmt"
	"reflect"
	"strings"
)

// Marshaler is implemented by types which encode themselves.
type Marshaler interface {
	MarshalBencode() ([]byte, error)
}

// Unmarshaler is implemented by types which decode themselves.
type Unmarshaler interface {
	UnmarshalBencode([]byte) error
}

// RawMessage captures the exact input slice consumed while decoding a value,
// without interpreting it. On encoding it is emitted verbatim. It is the
// mechanism used to obtain the canonical bytes of a torrent's info
// dictionary for hashing.
type RawMessage []byte

// MarshalBencode emits the raw bytes unchanged.
func (m RawMessage) MarshalBencode() ([]byte, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("empty raw message")
	}
	return m, nil
}

// UnmarshalBencode records the raw bytes of the decoded value.
func (m *RawMessage) UnmarshalBencode(b []byte) error {
	*m = b
	return nil
}

// MarshalTypeError occurs when Marshal encounters a type with no bencode
// representation, e.g. floats, channels or nil standalone values.
type MarshalTypeError struct {
	Type reflect.Type
}

func (e *MarshalTypeError) Error() string {
	return "bencode: unsupported type: " + e.Type.String()
}

// UnmarshalInvalidArgError occurs when the Unmarshal argument is not a
// non-nil pointer.
type UnmarshalInvalidArgError struct {
	Type reflect.Type
}

func (e *UnmarshalInvalidArgError) Error() string {
	if e.Type == nil {
		return "bencode: Unmarshal(nil)"
	}
	if e.Type.Kind() != reflect.Ptr {
		return "bencode: Unmarshal(non-pointer " + e.Type.String() + ")"
	}
	return "bencode: Unmarshal(nil " + e.Type.String() + ")"
}

// UnmarshalTypeError occurs when a bencode value is not appropriate for the
// target Go type.
type UnmarshalTypeError struct {
	Value string
	Type  reflect.Type
}

func (e *UnmarshalTypeError) Error() string {
	return "bencode: value (" + e.Value + ") is not appropriate for type: " + e.Type.String()
}

// SyntaxError occurs on malformed input. Offset is the position of the error
// in the input; Context holds the innermost dictionary keys (at most four)
// entered at the point of failure, e.g. `"info" -> "pieces"`.
type SyntaxError struct {
	Offset  int
	Context []string
	What    error
}

func (e *SyntaxError) Error() string {
	if len(e.Context) > 0 {
		quoted := make([]string, len(e.Context))
		for i, k := range e.Context {
			quoted[i] = fmt.Sprintf("%q", k)
		}
		return fmt.Sprintf("bencode: %s: syntax error (offset: %d): %s",
			strings.Join(quoted, " -> "), e.Offset, e.What)
	}
	return fmt.Sprintf("bencode: syntax error (offset: %d): %s", e.Offset, e.What)
}

// Marshal encodes v into canonical bencode form.
func Marshal(v interface{}) ([]byte, error) {
	e := encoder{}
	if err := e.encode(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// Unmarshal decodes the bencode value in data into the value pointed to by v.
// Trailing bytes after the first value are an error.
func Unmarshal(data []byte, v interface{}) error {
	pv := reflect.ValueOf(v)
	if pv.Kind() != reflect.Ptr || pv.IsNil() {
		return &UnmarshalInvalidArgError{reflect.TypeOf(v)}
	}
	d := decoder{data: data}
	if err := d.decode(pv.Elem()); err != nil {
		return err
	}
	if d.pos != len(data) {
		return d.syntaxErrorf(d.pos, "trailing bytes after value")
	}
	return nil
}

// UnmarshalFirst decodes the first bencode value in data into the value
// pointed to by v and returns the unconsumed remainder. Used for messages
// which carry raw bytes after a bencoded header.
func UnmarshalFirst(data []byte, v interface{}) (rest []byte, err error) {
	pv := reflect.ValueOf(v)
	if pv.Kind() != reflect.Ptr || pv.IsNil() {
		return nil, &UnmarshalInvalidArgError{reflect.TypeOf(v)}
	}
	d := decoder{data: data}
	if err := d.decode(pv.Elem()); err != nil {
		return nil, err
	}
	return data[d.pos:], nil
}

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
package memsize

import "fmt"

// Byte units.
const (
	B  uint64 = 1
	KB        = 1024 * B
	MB        = 1024 * KB
	GB        = 1024 * MB
	TB        = 1024 * GB
)

// Bit units.
const (
	bit  uint64 = 1
	Kbit        = 1000 * bit
	Mbit        = 1000 * Kbit
	Gbit        = 1000 * Mbit
	Tbit        = 1000 * Gbit
)

// Format returns a human-readable representation of the given number of bytes.
func Format(bytes uint64) string {
	if bytes == 0 {
		return "0B"
	}
	units := []struct {
		size uint64
		name string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
		{B, "B"},
	}
	for _, u := range units {
		if bytes >= u.size {
			return fmt.Sprintf("%.2f%s", float64(bytes)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%dB", bytes)
}

// BitFormat returns a human-readable representation of the given number of bits.
func BitFormat(bits uint64) string {
	if bits == 0 {
		return "0bit"
	}
	units := []struct {
		size uint64
		name string
	}{
		{Tbit, "Tbit"},
		{Gbit, "Gbit"},
		{Mbit, "Mbit"},
		{Kbit, "Kbit"},
		{bit, "bit"},
	}
	for _, u := range units {
		if bits >= u.size {
			return fmt.Sprintf("%.2f%s", float64(bits)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%dbit", bits)
}

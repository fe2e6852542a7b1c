/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipc

import (
	"encoding/binary"
	"math"
)

func putInt64(b []byte, pos *int, v int64) {
	binary.LittleEndian.PutUint64(b[*pos:], uint64(v))
	*pos += 8
}

func getInt64(b []byte, pos *int) int64 {
	v := int64(binary.LittleEndian.Uint64(b[*pos:]))
	*pos += 8
	return v
}

func putUint64(b []byte, pos *int, v uint64) {
	binary.LittleEndian.PutUint64(b[*pos:], v)
	*pos += 8
}

func getUint64(b []byte, pos *int) uint64 {
	v := binary.LittleEndian.Uint64(b[*pos:])
	*pos += 8
	return v
}

func putFloat64(b []byte, pos *int, v float64) {
	binary.LittleEndian.PutUint64(b[*pos:], math.Float64bits(v))
	*pos += 8
}

func getFloat64(b []byte, pos *int) float64 {
	v := math.Float64frombits(binary.LittleEndian.Uint64(b[*pos:]))
	*pos += 8
	return v
}

func putUint32(b []byte, pos *int, v uint32) {
	binary.LittleEndian.PutUint32(b[*pos:], v)
	*pos += 4
}

func getUint32(b []byte, pos *int) uint32 {
	v := binary.LittleEndian.Uint32(b[*pos:])
	*pos += 4
	return v
}

func putInt32(b []byte, pos *int, v int32) {
	binary.LittleEndian.PutUint32(b[*pos:], uint32(v))
	*pos += 4
}

func getInt32(b []byte, pos *int) int32 {
	v := int32(binary.LittleEndian.Uint32(b[*pos:]))
	*pos += 4
	return v
}

func putUint16(b []byte, pos *int, v uint16) {
	binary.LittleEndian.PutUint16(b[*pos:], v)
	*pos += 2
}

func getUint16(b []byte, pos *int) uint16 {
	v := binary.LittleEndian.Uint16(b[*pos:])
	*pos += 2
	return v
}

func putUint8(b []byte, pos *int, v uint8) {
	b[*pos] = v
	*pos++
}

func getUint8(b []byte, pos *int) uint8 {
	v := b[*pos]
	*pos++
	return v
}

func putInt8(b []byte, pos *int, v int8) {
	b[*pos] = byte(v)
	*pos++
}

func getInt8(b []byte, pos *int) int8 {
	v := int8(b[*pos])
	*pos++
	return v
}

func putBool(b []byte, pos *int, v bool) {
	if v {
		b[*pos] = 1
	} else {
		b[*pos] = 0
	}
	*pos++
}

func getBool(b []byte, pos *int) bool {
	v := b[*pos] != 0
	*pos++
	return v
}

// Copyright 2015 Matthew Holt and The Caddy Authors
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

package hysteria2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 16383, 16384, 1073741823, 1073741824, 4611686018427387903}
	for _, v := range values {
		encoded := appendVarint(nil, v)
		decoded, err := readVarint(bytes.NewReader(encoded))
		require.NoError(t, err)
		assert.Equal(t, v, decoded, "value %d", v)
	}
}

func TestVarintWidthSelection(t *testing.T) {
	assert.Len(t, appendVarint(nil, 63), 1)
	assert.Len(t, appendVarint(nil, 64), 2)
	assert.Len(t, appendVarint(nil, 16383), 2)
	assert.Len(t, appendVarint(nil, 16384), 4)
	assert.Len(t, appendVarint(nil, 1073741823), 4)
	assert.Len(t, appendVarint(nil, 1073741824), 8)
}

func TestReadVarintShortInputErrors(t *testing.T) {
	_, err := readVarint(bytes.NewReader(nil))
	assert.Error(t, err)

	// two-byte width marker but only one byte available
	_, err = readVarint(bytes.NewReader([]byte{0x40}))
	assert.Error(t, err)
}

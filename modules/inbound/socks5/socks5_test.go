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

package socks5

import (
	"net"
	"testing"

	"github.com/openworld-proxy/openworld"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeSuccessfulConnect(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	h := &Handler{}
	resultCh := make(chan openworld.InboundResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := h.Handshake(nil, serverConn)
		resultCh <- res
		errCh <- err
	}()

	// method negotiation: version 5, 1 method, no-auth
	_, err := clientConn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	methodReply := make([]byte, 2)
	_, err = readFullHelper(clientConn, methodReply)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, methodReply)

	// CONNECT request to 93.184.216.34:80 (IPv4)
	req := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50}
	_, err = clientConn.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = readFullHelper(clientConn, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), reply[1]) // success

	res := <-resultCh
	require.NoError(t, <-errCh)
	assert.Equal(t, "93.184.216.34", res.Destination.Host())
	assert.Equal(t, uint16(80), res.Destination.Port())
	assert.Equal(t, openworld.NetworkTCP, res.Network)
}

func TestHandshakeRejectsUnsupportedAuthMethod(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	h := &Handler{}
	errCh := make(chan error, 1)
	go func() {
		_, err := h.Handshake(nil, serverConn)
		errCh <- err
	}()

	// offer only GSSAPI (0x01), no NO_AUTH
	_, err := clientConn.Write([]byte{0x05, 0x01, 0x01})
	require.NoError(t, err)

	reply := make([]byte, 2)
	_, err = readFullHelper(clientConn, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), reply[1])

	assert.Error(t, <-errCh)
}

func readFullHelper(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

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

package openworld

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStream is a ProxyStream backed by an in-memory buffer, reporting
// io.EOF once its fixed content has been fully read and recording
// whether CloseWrite/Close were called.
type memStream struct {
	mu         sync.Mutex
	r          *bytes.Reader
	written    bytes.Buffer
	closeWrote bool
	closed     bool
}

func newMemStream(content string) *memStream {
	return &memStream{r: bytes.NewReader([]byte(content))}
}

func (m *memStream) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.r.Read(p)
}

func (m *memStream) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

func (m *memStream) CloseWrite() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeWrote = true
	return nil
}

func (m *memStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStream) SetDeadline(t time.Time) error { return nil }

func TestRelayRunCopiesBothDirectionsAndReportsStats(t *testing.T) {
	client := newMemStream("request-bytes")
	upstream := newMemStream("response-payload")

	relay := NewRelay(0, 0)
	stats, err := relay.Run(context.Background(), client, upstream)
	require.NoError(t, err)

	assert.Equal(t, int64(len("request-bytes")), stats.BytesUp)
	assert.Equal(t, int64(len("response-payload")), stats.BytesDown)
	assert.Equal(t, "request-bytes", upstream.written.String())
	assert.Equal(t, "response-payload", client.written.String())
	assert.True(t, client.closed)
	assert.True(t, upstream.closed)
}

// blockingStream never returns from Read until closed, letting tests
// exercise context cancellation without a real network round trip.
type blockingStream struct {
	memStream
	blockCh chan struct{}
}

func newBlockingStream() *blockingStream {
	return &blockingStream{blockCh: make(chan struct{})}
}

// errClosedStream mimics a real net.Conn's Read error once its peer
// forces the connection closed: not io.EOF, so the relay treats it as
// a failure to classify rather than a clean finish.
var errClosedStream = errors.New("stream closed")

func (b *blockingStream) Read(p []byte) (int, error) {
	<-b.blockCh
	return 0, errClosedStream
}

func (b *blockingStream) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		close(b.blockCh)
	}
	b.closed = true
	return nil
}

func TestRelayRunStopsOnContextCancel(t *testing.T) {
	client := newBlockingStream()
	upstream := newBlockingStream()

	relay := NewRelay(0, 0)
	ctx, cancel := context.WithCancel(context.Background())

	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, runErr = relay.Run(ctx, client, upstream)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay.Run did not stop after context cancellation")
	}

	kind, ok := KindOf(runErr)
	require.True(t, ok)
	assert.Equal(t, KindCancelled, kind)
}

// timeoutStream's Read always reports a timed-out net.Error, as a
// real net.Conn or tls.Conn would once an armed deadline elapses.
type timeoutStream struct {
	memStream
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return false }

func (s *timeoutStream) Read(p []byte) (int, error) { return 0, timeoutErr{} }

func TestRelayRunClassifiesDeadlineErrorsAsTimeout(t *testing.T) {
	client := &timeoutStream{memStream: memStream{r: bytes.NewReader(nil)}}
	upstream := newMemStream("response")

	relay := NewRelay(time.Minute, 0)
	_, err := relay.Run(context.Background(), client, upstream)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
}

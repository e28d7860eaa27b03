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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeOutbound struct {
	dialErr error
	dialed  []Address
}

func (f *fakeOutbound) OpenWorldModule() ModuleInfo {
	return ModuleInfo{ID: "outbound.fake", New: func() Module { return &fakeOutbound{} }}
}

func (f *fakeOutbound) Dial(ctx context.Context, network Network, dest Address) (ProxyStream, error) {
	f.dialed = append(f.dialed, dest)
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return newMemStream("upstream-hello"), nil
}

func TestDispatcherDispatchRoutesDialsAndRelays(t *testing.T) {
	fake := &fakeOutbound{}
	outboundMgr, err := NewOutboundManager(map[string]OutboundHandler{"direct": fake})
	assert.NoError(t, err)

	router, err := NewRouter(nil, "direct", outboundMgr.Tags())
	assert.NoError(t, err)

	tracker := NewConnectionTracker(nil, 1)
	relay := NewRelay(0, 0)
	dispatcher := NewDispatcher(router, outboundMgr, tracker, relay, nil)

	dest, _ := NewDomainAddress("example.com", 443)
	session := NewSession("in", nil, InboundResult{
		Destination: dest,
		Network:     NetworkTCP,
		Stream:      newMemStream("client-hello"),
	})

	dispatcher.Dispatch(context.Background(), session)

	assert.Len(t, fake.dialed, 1)
	assert.Equal(t, dest, fake.dialed[0])
	assert.Equal(t, 0, tracker.ActiveCount()) // closed after Dispatch returns
	history := tracker.RecentlyClosed()
	assert.Len(t, history, 1)
	assert.Equal(t, "direct", history[0].Outbound)
}

func TestDispatcherDropsSessionOnMissingOutbound(t *testing.T) {
	outboundMgr, err := NewOutboundManager(map[string]OutboundHandler{})
	assert.NoError(t, err)
	router := &Router{defaultOutbound: "missing"}

	tracker := NewConnectionTracker(nil, 0)
	relay := NewRelay(0, 0)
	dispatcher := NewDispatcher(router, outboundMgr, tracker, relay, nil)

	client := newMemStream("data")
	dest, _ := NewDomainAddress("example.com", 80)
	session := NewSession("in", nil, InboundResult{Destination: dest, Network: NetworkTCP, Stream: client})

	dispatcher.Dispatch(context.Background(), session)

	assert.True(t, client.closed)
	assert.Equal(t, 0, tracker.ActiveCount())
}

func TestDispatcherClosesClientOnDialFailure(t *testing.T) {
	fake := &fakeOutbound{dialErr: Errorf(KindIO, "fake", "connection refused")}
	outboundMgr, err := NewOutboundManager(map[string]OutboundHandler{"direct": fake})
	assert.NoError(t, err)
	router, err := NewRouter(nil, "direct", outboundMgr.Tags())
	assert.NoError(t, err)

	tracker := NewConnectionTracker(nil, 0)
	relay := NewRelay(0, 0)
	dispatcher := NewDispatcher(router, outboundMgr, tracker, relay, nil)

	client := newMemStream("data")
	dest, _ := NewDomainAddress("example.com", 80)
	session := NewSession("in", nil, InboundResult{Destination: dest, Network: NetworkTCP, Stream: client})

	dispatcher.Dispatch(context.Background(), session)

	assert.True(t, client.closed)
	assert.Equal(t, 0, tracker.ActiveCount())
}

// Copyright 2024 The Proxy Magic Authors
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

package stats

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func TestCountersAndSnapshot(t *testing.T) {
	s := New(prometheus.NewRegistry())

	s.RecordRequest("a.test")
	s.RecordRequest("a.test")
	s.RecordRequest("b.test")
	s.RecordRuleMatch("block.json")
	s.RecordPassThrough()
	s.RecordPassThrough()
	s.RecordCrossProtocol(false)
	s.RecordCrossProtocol(true)
	s.RecordCrossProtocol(true)

	snap := s.Snapshot()
	if snap.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d", snap.TotalRequests)
	}
	if snap.UniqueHosts != 2 {
		t.Errorf("UniqueHosts = %d", snap.UniqueHosts)
	}
	if snap.RulesMatched != 1 || snap.PassThrough != 2 {
		t.Errorf("matched=%d passthrough=%d", snap.RulesMatched, snap.PassThrough)
	}
	if snap.HTTPSToHTTP != 1 || snap.HTTPToHTTPS != 2 {
		t.Errorf("cross-protocol = %d/%d", snap.HTTPSToHTTP, snap.HTTPToHTTPS)
	}
	if len(snap.RulesUsed) != 1 || snap.RulesUsed[0] != "block.json" {
		t.Errorf("RulesUsed = %v", snap.RulesUsed)
	}
}

func TestCountersConcurrent(t *testing.T) {
	s := New(prometheus.NewRegistry())

	const workers, each = 8, 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				s.RecordRequest("host.test")
				s.RecordPassThrough()
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	if snap.TotalRequests != workers*each {
		t.Errorf("TotalRequests = %d, want %d", snap.TotalRequests, workers*each)
	}
	if snap.UniqueHosts != 1 {
		t.Errorf("UniqueHosts = %d", snap.UniqueHosts)
	}
}

func TestReportContents(t *testing.T) {
	s := New(prometheus.NewRegistry())
	s.RecordRequest("a.test")
	s.RecordRuleMatch("x.json")

	report := s.Report()
	if strings.Contains(report, "ago)") {
		t.Error("uptime must be a duration, not a relative time")
	}
	for _, want := range []string{
		"uptime", "total requests", "unique hosts", "rules matched",
		"pass-through", "https->http", "http->https", "x.json",
		"(100.0%)",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

func TestSinkSubscribe(t *testing.T) {
	sink := NewSink(zap.NewNop())
	ch, cancel := sink.Subscribe()
	defer cancel()

	sink.Emit(EventRule, "matched", Metadata{Rule: "x.json", URL: "http://a.test/"})

	ev := <-ch
	if ev.Type != EventRule || ev.Message != "matched" || ev.Metadata.Rule != "x.json" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestSinkDropsWhenSubscriberFull(t *testing.T) {
	sink := NewSink(zap.NewNop())
	_, cancel := sink.Subscribe()
	defer cancel()

	// Nobody drains the channel; emits beyond its capacity must not
	// block.
	for i := 0; i < 1000; i++ {
		sink.Emit(EventRequest, "r", Metadata{})
	}
}

func TestSinkCancelStopsDelivery(t *testing.T) {
	sink := NewSink(zap.NewNop())
	ch, cancel := sink.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	sink.Emit(EventSystem, "after cancel", Metadata{})
}

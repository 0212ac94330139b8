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

// Package stats keeps the proxy's traffic counters and publishes the
// structured event stream consumed by the terminal UI.
package stats

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const setShards = 16

// shardedSet is a string set sharded by hash so that write-heavy
// transaction workers do not contend on a single mutex.
type shardedSet struct {
	shards [setShards]struct {
		mu sync.Mutex
		m  map[string]struct{}
	}
}

func newShardedSet() *shardedSet {
	s := new(shardedSet)
	for i := range s.shards {
		s.shards[i].m = make(map[string]struct{})
	}
	return s
}

func (s *shardedSet) add(v string) {
	h := fnv.New32a()
	h.Write([]byte(v))
	shard := &s.shards[h.Sum32()%setShards]
	shard.mu.Lock()
	shard.m[v] = struct{}{}
	shard.mu.Unlock()
}

func (s *shardedSet) values() []string {
	var out []string
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for v := range shard.m {
			out = append(out, v)
		}
		shard.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

func (s *shardedSet) len() int {
	n := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		n += len(shard.m)
		shard.mu.Unlock()
	}
	return n
}

// Stats holds the monotonic counters and set-valued aggregates for one
// process lifetime. Increments happen on the transaction workers, so
// counters are atomics and sets are sharded.
type Stats struct {
	totalRequests atomic.Uint64
	rulesMatched  atomic.Uint64
	passThrough   atomic.Uint64
	httpsToHTTP   atomic.Uint64
	httpToHTTPS   atomic.Uint64

	uniqueHosts *shardedSet
	rulesUsed   *shardedSet

	startTime time.Time

	promTotal       prometheus.Counter
	promMatched     prometheus.Counter
	promPassThrough prometheus.Counter
}

// New returns zeroed stats with startTime set to now. The counters are
// also registered with reg when it is non-nil, so operators can scrape
// them alongside the periodic reports.
func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		uniqueHosts: newShardedSet(),
		rulesUsed:   newShardedSet(),
		startTime:   time.Now(),
		promTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxymagic", Name: "requests_total",
			Help: "User transactions processed by the proxy.",
		}),
		promMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxymagic", Name: "rules_matched_total",
			Help: "Transactions claimed by a rule.",
		}),
		promPassThrough: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxymagic", Name: "pass_through_total",
			Help: "Transactions forwarded with no rule match.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.promTotal, s.promMatched, s.promPassThrough)
	}
	return s
}

// RecordRequest counts one user transaction and its host. Internal
// browser noise is filtered by the caller and never reaches here.
func (s *Stats) RecordRequest(host string) {
	s.totalRequests.Add(1)
	s.promTotal.Inc()
	if host != "" {
		s.uniqueHosts.add(host)
	}
}

// RecordRuleMatch counts a rule claiming a transaction.
func (s *Stats) RecordRuleMatch(ruleFile string) {
	s.rulesMatched.Add(1)
	s.promMatched.Inc()
	if ruleFile != "" {
		s.rulesUsed.add(ruleFile)
	}
}

// RecordPassThrough counts a transaction no rule claimed.
func (s *Stats) RecordPassThrough() {
	s.passThrough.Add(1)
	s.promPassThrough.Inc()
}

// RecordCrossProtocol counts a rule-driven protocol change. toTLS is
// true for http→https, false for https→http.
func (s *Stats) RecordCrossProtocol(toTLS bool) {
	if toTLS {
		s.httpToHTTPS.Add(1)
	} else {
		s.httpsToHTTP.Add(1)
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	StartTime     time.Time
	TotalRequests uint64
	RulesMatched  uint64
	PassThrough   uint64
	HTTPSToHTTP   uint64
	HTTPToHTTPS   uint64
	UniqueHosts   int
	RulesUsed     []string
}

// Snapshot reads the counters. Reads race benignly with increments;
// the result is a consistent-enough view for reporting.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		StartTime:     s.startTime,
		TotalRequests: s.totalRequests.Load(),
		RulesMatched:  s.rulesMatched.Load(),
		PassThrough:   s.passThrough.Load(),
		HTTPSToHTTP:   s.httpsToHTTP.Load(),
		HTTPToHTTPS:   s.httpToHTTPS.Load(),
		UniqueHosts:   s.uniqueHosts.len(),
		RulesUsed:     s.rulesUsed.values(),
	}
}

// Report formats the multi-line periodic report.
func (s *Stats) Report() string {
	snap := s.Snapshot()

	matchRate := 0.0
	if snap.TotalRequests > 0 {
		matchRate = float64(snap.RulesMatched) / float64(snap.TotalRequests) * 100
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Proxy statistics (uptime %s)\n", time.Since(snap.StartTime).Round(time.Second))
	fmt.Fprintf(&b, "  total requests:  %s\n", humanize.Comma(int64(snap.TotalRequests)))
	fmt.Fprintf(&b, "  unique hosts:    %d\n", snap.UniqueHosts)
	fmt.Fprintf(&b, "  rules matched:   %s (%.1f%%)\n", humanize.Comma(int64(snap.RulesMatched)), matchRate)
	fmt.Fprintf(&b, "  pass-through:    %s\n", humanize.Comma(int64(snap.PassThrough)))
	fmt.Fprintf(&b, "  https->http:     %d\n", snap.HTTPSToHTTP)
	fmt.Fprintf(&b, "  http->https:     %d\n", snap.HTTPToHTTPS)
	if len(snap.RulesUsed) > 0 {
		fmt.Fprintf(&b, "  active rules:    %s", strings.Join(snap.RulesUsed, ", "))
	} else {
		b.WriteString("  active rules:    none")
	}
	return b.String()
}

// StartReporter emits the report to sink every interval until stop is
// closed, then emits one final snapshot. Runs in its own goroutine;
// returns a function that stops it and flushes.
func (s *Stats) StartReporter(interval time.Duration, sink *Sink, log *zap.Logger) (stop func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sink.Emit(EventStats, s.Report(), Metadata{})
			case <-done:
				sink.Emit(EventStats, s.Report(), Metadata{})
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
			log.Debug("stats reporter stopped")
		})
	}
}

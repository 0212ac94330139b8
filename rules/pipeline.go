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

package rules

import (
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// Outcome tells the listener how to proceed after the pipeline ran.
type Outcome int

const (
	// OutcomeUpstream: a rule matched and the engine should dial the
	// normalized upstream.
	OutcomeUpstream Outcome = iota

	// OutcomeManual: the matched rule owns the response; the engine
	// must not dial or write.
	OutcomeManual

	// OutcomePassThrough: no rule matched; dial the reconstructed URL.
	OutcomePassThrough

	// OutcomeNoRoute: the URL could not be reconstructed; the engine
	// must answer with a protocol error.
	OutcomeNoRoute
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpstream:
		return "upstream"
	case OutcomeManual:
		return "manual"
	case OutcomePassThrough:
		return "pass-through"
	case OutcomeNoRoute:
		return "no-route"
	}
	return "unknown"
}

// Recorder receives the pipeline's stats increments. Internal
// transactions never reach it.
type Recorder interface {
	RecordRuleMatch(ruleFile string)
	RecordPassThrough()
	RecordCrossProtocol(toTLS bool)
}

// Pipeline runs at most one rule match per transaction, executes the
// matched rule's request hook inside a catch boundary, and normalizes
// the upstream options before the engine dials.
type Pipeline struct {
	store *Store
	rec   Recorder
	log   *zap.Logger
}

// NewPipeline wires the pipeline to its rule store and stats recorder.
func NewPipeline(store *Store, rec Recorder, log *zap.Logger) *Pipeline {
	return &Pipeline{store: store, rec: rec, log: log}
}

// Snapshot captures the enabled rules for one transaction. Taken at
// pipeline entry; reloads and toggles do not affect a transaction that
// already captured its snapshot.
func (p *Pipeline) Snapshot() []Rule {
	return p.store.Enabled()
}

// Run executes the match loop against a previously captured snapshot.
// A non-nil error means the matched rule's OnRequest hook failed after
// the match; the listener answers it with a 500 and the upstream
// record is already rolled back.
func (p *Pipeline) Run(tx *Transaction, snapshot []Rule) (Outcome, error) {
	if tx.URL == nil {
		return OutcomeNoRoute, nil
	}

	originalSSL := tx.IsSSL

	for _, rule := range snapshot {
		if !p.safeMatch(rule, tx) {
			continue
		}

		tx.MatchedRule = rule
		tx.Processed = true
		if !tx.Internal {
			p.rec.RecordRuleMatch(rule.Filename())
			p.store.MarkUsed(rule.Filename())
		}
		p.log.Debug("rule matched",
			zap.String("rule", rule.Filename()),
			zap.String("url", tx.URL.String()),
			zap.String("tx", tx.ID))

		// Snapshot for rollback: a hook that fails after partially
		// mutating the upstream record must not leave it half-written.
		saved := tx.Upstream.Clone()
		savedSSL := tx.IsSSL

		decision, err := p.safeOnRequest(rule, tx)
		if err != nil {
			tx.Upstream = saved
			tx.IsSSL = savedSSL
			return OutcomeUpstream, fmt.Errorf("rule %s: onRequest: %w", rule.Filename(), err)
		}
		if decision == DecisionTakeOver || tx.ManualResponse {
			tx.ManualResponse = true
			return OutcomeManual, nil
		}

		p.normalizeUpstream(tx, originalSSL)
		p.validateUpstream(tx)
		return OutcomeUpstream, nil
	}

	if !tx.Internal {
		p.rec.RecordPassThrough()
	}
	p.normalizeUpstream(tx, originalSSL)
	return OutcomePassThrough, nil
}

// safeMatch evaluates a rule's predicate; a panicking rule never takes
// down the process and counts as no-match (fail open to pass-through).
func (p *Pipeline) safeMatch(rule Rule, tx *Transaction) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("rule match panicked",
				zap.String("rule", rule.Filename()),
				zap.Any("panic", r))
			matched = false
		}
	}()
	return rule.Match(tx)
}

func (p *Pipeline) safeOnRequest(rule Rule, tx *Transaction) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = DecisionContinue, fmt.Errorf("panic: %v", r)
		}
	}()
	return rule.OnRequest(tx)
}

// normalizeUpstream enforces consistency between the TLS flag, port,
// scheme, and Host header after a rule mutated the upstream record.
// With no upstream set it derives one from the reconstructed URL.
func (p *Pipeline) normalizeUpstream(tx *Transaction, originalSSL bool) {
	if tx.Upstream == nil {
		tx.Upstream = &Upstream{}
	}
	up := tx.Upstream

	if up.Hostname == "" {
		up.Hostname = tx.URL.Hostname()
	}
	if up.Port == 0 {
		if port := tx.URL.Port(); port != "" {
			up.Port, _ = strconv.Atoi(port)
		} else if tx.IsSSL {
			up.Port = 443
		} else {
			up.Port = 80
		}
	}

	switch up.Port {
	case 80:
		tx.IsSSL = false
		up.Scheme = "http"
		up.UseDirectTransport = true
	case 443:
		tx.IsSSL = true
		up.Scheme = "https"
	default:
		if up.Scheme == "" {
			if tx.IsSSL {
				up.Scheme = "https"
			} else {
				up.Scheme = "http"
			}
		}
		p.log.Warn("upstream uses a non-standard port; keeping protocol as-is",
			zap.String("hostname", up.Hostname),
			zap.Int("port", up.Port),
			zap.String("tx", tx.ID))
	}

	if up.Port == 80 || up.Port == 443 {
		up.HostHeader = up.Hostname
	} else {
		up.HostHeader = fmt.Sprintf("%s:%d", up.Hostname, up.Port)
	}

	if up.Path == "" || up.Path == "undefined" {
		up.Path = "/"
	}
	if up.Method == "" {
		up.Method = tx.ClientRequest.Method
		if up.Method == "" {
			up.Method = http.MethodGet
		}
	}
	if up.Header == nil {
		up.Header = make(http.Header)
	}

	// Count rule-driven protocol redirects: the TLS flag changed and
	// the client addressed a different host than the one being dialed.
	if tx.IsSSL != originalSSL && tx.ClientHost() != up.Hostname && !tx.Internal {
		p.rec.RecordCrossProtocol(tx.IsSSL)
	}
}

// validateUpstream records rule-configuration errors without aborting;
// a bad hostname or port surfaces as a dial error later, where the
// error renderer handles it.
func (p *Pipeline) validateUpstream(tx *Transaction) {
	up := tx.Upstream
	ruleName := ""
	if tx.MatchedRule != nil {
		ruleName = tx.MatchedRule.Filename()
	}
	if up.Hostname == "" || up.Hostname == "undefined" {
		p.log.Error("rule produced an invalid upstream hostname",
			zap.String("rule", ruleName),
			zap.String("hostname", up.Hostname))
	}
	if up.Port < 1 || up.Port > 65535 {
		p.log.Error("rule produced an invalid upstream port",
			zap.String("rule", ruleName),
			zap.Int("port", up.Port))
	}
}

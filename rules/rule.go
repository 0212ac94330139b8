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

// Package rules defines the rule contract, loads rule documents from a
// directory, and runs the per-transaction match-and-mutate pipeline.
package rules

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Decision is what a rule's OnRequest hook tells the engine to do next.
type Decision int

const (
	// DecisionContinue lets the engine dial the upstream as usual.
	DecisionContinue Decision = iota

	// DecisionTakeOver means the rule owns the response from here on;
	// the engine must not dial upstream or write to the client.
	DecisionTakeOver
)

// Rule is one interception rule. Match must be side-effect-free; the
// remaining hooks may mutate the transaction. Embed BaseRule to get
// no-op defaults for the hooks you don't need.
type Rule interface {
	// Name is the rule's descriptive label.
	Name() string

	// Filename identifies the rule for ordering, stats, and the
	// enable/disable state file.
	Filename() string

	// Match reports whether this rule claims the transaction.
	Match(tx *Transaction) bool

	// OnRequest runs after a match, before the upstream dial. It may
	// rewrite tx.Upstream or take over the response entirely.
	OnRequest(tx *Transaction) (Decision, error)

	// OnResponse runs once upstream response headers are available,
	// before any body bytes are forwarded.
	OnResponse(tx *Transaction) error

	// OnRequestData transforms one chunk of the request body. Return
	// the chunk unchanged to pass it through, or nil to withhold it.
	OnRequestData(tx *Transaction, chunk []byte) ([]byte, error)

	// OnResponseData transforms one chunk of the response body.
	// Returning nil from every call defers all output to OnResponseEnd.
	OnResponseData(tx *Transaction, chunk []byte) ([]byte, error)

	// OnResponseEnd runs after the last body chunk. cancelled is true
	// when the client went away before the response completed.
	OnResponseEnd(tx *Transaction, cancelled bool) error
}

// BaseRule provides no-op hook implementations for embedding.
type BaseRule struct{}

func (BaseRule) OnRequest(*Transaction) (Decision, error) { return DecisionContinue, nil }

func (BaseRule) OnResponse(*Transaction) error { return nil }

func (BaseRule) OnRequestData(_ *Transaction, chunk []byte) ([]byte, error) { return chunk, nil }

func (BaseRule) OnResponseData(_ *Transaction, chunk []byte) ([]byte, error) { return chunk, nil }

func (BaseRule) OnResponseEnd(*Transaction, bool) error { return nil }

// ResponseWriter is the engine's handle on the client response. Rules
// in manual-response mode write through it; the engine consults the
// flags before synthesizing anything.
type ResponseWriter interface {
	http.ResponseWriter

	// HeadersSent reports whether the status line and headers have
	// been written to the client.
	HeadersSent() bool

	// Finished reports whether the response body is complete.
	Finished() bool
}

// Upstream describes how to dial the origin for one transaction. Rules
// may leave fields zero; the pipeline's normalizer fills and corrects
// them before the engine dials.
type Upstream struct {
	Hostname string
	Port     int
	Scheme   string
	Path     string
	Method   string
	Header   http.Header

	// HostHeader is the Host header sent upstream, derived from
	// Hostname and Port by the normalizer.
	HostHeader string

	// UseDirectTransport bypasses the pooled transport. Set by the
	// normalizer when a rule redirects to a plaintext port.
	UseDirectTransport bool
}

// Clone deep-copies u so a failing hook can be rolled back.
func (u *Upstream) Clone() *Upstream {
	if u == nil {
		return nil
	}
	c := *u
	c.Header = u.Header.Clone()
	return &c
}

// Transaction is the per-request context threaded through the pipeline
// and the listener. One is created when request headers are parsed and
// discarded when the exchange completes.
type Transaction struct {
	// ID identifies the transaction in logs and events.
	ID string

	// ClientRequest is the request as read from the client, in
	// proxy-form on plain HTTP or origin-form inside a tunnel.
	ClientRequest *http.Request

	// IsSSL is true when the client side is TLS-terminated. The
	// normalizer may flip it when a rule redirects across protocols.
	IsSSL bool

	// URL is the absolute URL reconstructed from the request line and
	// Host header; nil when reconstruction failed.
	URL *url.URL

	// Upstream holds the dial options; nil until a rule or the
	// normalizer sets it.
	Upstream *Upstream

	// MatchedRule is the rule that claimed the transaction, if any.
	MatchedRule Rule

	// Processed is set once a rule matched.
	Processed bool

	// ManualResponse yields all response-side control to the rule.
	ManualResponse bool

	// UseDecompression asks the engine to transparently decompress
	// gzip/deflate response bodies before the rule's data hooks.
	UseDecompression bool

	// Internal marks browser telemetry and similar noise excluded
	// from user statistics.
	Internal bool

	// ClientResponse is the writable handle toward the client.
	ClientResponse ResponseWriter
}

// ClientHost returns the hostname the client addressed, without port.
func (tx *Transaction) ClientHost() string {
	host := tx.ClientRequest.Host
	if host == "" && tx.URL != nil {
		host = tx.URL.Host
	}
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// Handler is a compiled-in rule implementation that a rule document
// binds by name. A handler may implement any subset of the hook
// interfaces below; the document's declarative actions run first.
type Handler any

// RequestHandler is implemented by handlers that hook the request.
type RequestHandler interface {
	OnRequest(tx *Transaction) (Decision, error)
}

// ResponseHandler is implemented by handlers that hook response headers.
type ResponseHandler interface {
	OnResponse(tx *Transaction) error
}

// RequestDataHandler is implemented by handlers that rewrite request
// body chunks.
type RequestDataHandler interface {
	OnRequestData(tx *Transaction, chunk []byte) ([]byte, error)
}

// ResponseDataHandler is implemented by handlers that rewrite response
// body chunks.
type ResponseDataHandler interface {
	OnResponseData(tx *Transaction, chunk []byte) ([]byte, error)
}

// ResponseEndHandler is implemented by handlers that act at end of body.
type ResponseEndHandler interface {
	OnResponseEnd(tx *Transaction, cancelled bool) error
}

var (
	handlersMu sync.RWMutex
	handlers   = make(map[string]Handler)
)

// RegisterHandler makes a compiled-in handler available to rule
// documents under the given name. Typically called from init.
// Panics on duplicate registration, like any registry misuse bug.
func RegisterHandler(name string, h Handler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	if name == "" {
		panic("rules: handler name must not be empty")
	}
	if _, dup := handlers[name]; dup {
		panic("rules: handler already registered: " + name)
	}
	handlers[name] = h
}

// LookupHandler returns the registered handler for name.
func LookupHandler(name string) (Handler, bool) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	h, ok := handlers[name]
	return h, ok
}

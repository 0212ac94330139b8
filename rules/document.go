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
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

// document is the on-disk rule format: a JSON file whose match field
// is a CEL expression (see cel.go for the variables) and whose actions
// are either declarative fields or a named compiled-in handler.
type document struct {
	// Descriptive label; defaults to the filename.
	Name string `json:"name,omitempty"`

	// Required CEL match expression.
	Match string `json:"match"`

	// Partial upstream override applied on match.
	Upstream *upstreamPatch `json:"upstream,omitempty"`

	// Headers added to the upstream request.
	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`

	// Content codings stripped from the request's Accept-Encoding,
	// typically ["br", "zstd"] when the rule needs to read the body.
	StripAcceptEncoding []string `json:"stripAcceptEncoding,omitempty"`

	// Asks the engine to decompress gzip/deflate response bodies
	// before the data hooks run.
	Decompress bool `json:"decompress,omitempty"`

	// Synthesize the response locally instead of dialing upstream.
	Respond *manualResponse `json:"respond,omitempty"`

	// Literal find/replace applied to each response body chunk.
	ReplaceBody []bodyReplacement `json:"replaceBody,omitempty"`

	// Name of a compiled-in handler providing programmatic hooks.
	Handler string `json:"handler,omitempty"`
}

type upstreamPatch struct {
	Hostname string `json:"hostname,omitempty"`
	Port     int    `json:"port,omitempty"`
	Path     string `json:"path,omitempty"`
	Method   string `json:"method,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

type manualResponse struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type bodyReplacement struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

// fileRule adapts a rule document to the Rule interface. Declarative
// actions run before the bound handler's corresponding hook.
type fileRule struct {
	doc      document
	filename string
	prg      cel.Program
	handler  Handler
	log      *zap.Logger
}

// newFileRule validates the document and compiles its match program.
func newFileRule(doc document, filename string, log *zap.Logger) (*fileRule, error) {
	if strings.TrimSpace(doc.Match) == "" {
		return nil, fmt.Errorf("rule %s: missing match expression", filename)
	}
	prg, err := compileMatch(doc.Match)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", filename, err)
	}

	var handler Handler
	if doc.Handler != "" {
		h, ok := LookupHandler(doc.Handler)
		if !ok {
			return nil, fmt.Errorf("rule %s: unknown handler %q", filename, doc.Handler)
		}
		handler = h
	}

	if doc.Name == "" {
		doc.Name = filename
	}
	return &fileRule{doc: doc, filename: filename, prg: prg, handler: handler, log: log}, nil
}

func (r *fileRule) Name() string { return r.doc.Name }

func (r *fileRule) Filename() string { return r.filename }

func (r *fileRule) Match(tx *Transaction) bool {
	ok, err := evalMatch(r.prg, tx)
	if err != nil {
		// A failing match never claims the transaction.
		r.log.Warn("rule match evaluation failed",
			zap.String("rule", r.filename), zap.Error(err))
		return false
	}
	return ok
}

func (r *fileRule) OnRequest(tx *Transaction) (Decision, error) {
	r.applyDeclarative(tx)

	if r.doc.Respond != nil {
		if err := r.writeManualResponse(tx); err != nil {
			return DecisionTakeOver, err
		}
		return DecisionTakeOver, nil
	}

	if h, ok := r.handler.(RequestHandler); ok {
		return h.OnRequest(tx)
	}
	return DecisionContinue, nil
}

func (r *fileRule) applyDeclarative(tx *Transaction) {
	if p := r.doc.Upstream; p != nil {
		if tx.Upstream == nil {
			tx.Upstream = &Upstream{}
		}
		if p.Hostname != "" {
			tx.Upstream.Hostname = p.Hostname
		}
		if p.Port != 0 {
			tx.Upstream.Port = p.Port
		}
		if p.Path != "" {
			tx.Upstream.Path = p.Path
		}
		if p.Method != "" {
			tx.Upstream.Method = p.Method
		}
		if p.Protocol != "" {
			tx.Upstream.Scheme = p.Protocol
		}
	}

	if len(r.doc.RequestHeaders) > 0 {
		if tx.Upstream == nil {
			tx.Upstream = &Upstream{}
		}
		if tx.Upstream.Header == nil {
			tx.Upstream.Header = make(http.Header)
		}
		for k, v := range r.doc.RequestHeaders {
			tx.Upstream.Header.Set(k, v)
		}
	}

	if len(r.doc.StripAcceptEncoding) > 0 {
		stripAcceptEncoding(tx.ClientRequest.Header, r.doc.StripAcceptEncoding)
	}

	if r.doc.Decompress {
		tx.UseDecompression = true
	}
}

func (r *fileRule) writeManualResponse(tx *Transaction) error {
	tx.ManualResponse = true

	resp := r.doc.Respond
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w := tx.ClientResponse
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(status)
	if _, err := w.Write([]byte(resp.Body)); err != nil {
		return fmt.Errorf("rule %s: writing manual response: %w", r.filename, err)
	}
	return nil
}

func (r *fileRule) OnResponse(tx *Transaction) error {
	if h, ok := r.handler.(ResponseHandler); ok {
		return h.OnResponse(tx)
	}
	return nil
}

func (r *fileRule) OnRequestData(tx *Transaction, chunk []byte) ([]byte, error) {
	if h, ok := r.handler.(RequestDataHandler); ok {
		return h.OnRequestData(tx, chunk)
	}
	return chunk, nil
}

// OnResponseData applies the document's literal replacements per
// chunk. A match spanning a chunk boundary is not rewritten; rules
// that need exactness bind a handler and buffer in OnResponseEnd.
func (r *fileRule) OnResponseData(tx *Transaction, chunk []byte) ([]byte, error) {
	for _, rep := range r.doc.ReplaceBody {
		chunk = bytes.ReplaceAll(chunk, []byte(rep.Find), []byte(rep.Replace))
	}
	if h, ok := r.handler.(ResponseDataHandler); ok {
		return h.OnResponseData(tx, chunk)
	}
	return chunk, nil
}

func (r *fileRule) OnResponseEnd(tx *Transaction, cancelled bool) error {
	if h, ok := r.handler.(ResponseEndHandler); ok {
		return h.OnResponseEnd(tx, cancelled)
	}
	return nil
}

// stripAcceptEncoding removes the named codings from Accept-Encoding,
// preserving the order of the remaining ones.
func stripAcceptEncoding(h http.Header, codings []string) {
	current := h.Get("Accept-Encoding")
	if current == "" {
		return
	}
	drop := make(map[string]bool, len(codings))
	for _, c := range codings {
		drop[strings.ToLower(strings.TrimSpace(c))] = true
	}
	var kept []string
	for _, part := range strings.Split(current, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if i := strings.Index(name, ";"); i >= 0 {
			name = name[:i]
		}
		if !drop[name] {
			kept = append(kept, strings.TrimSpace(part))
		}
	}
	if len(kept) == 0 {
		h.Del("Accept-Encoding")
		return
	}
	h.Set("Accept-Encoding", strings.Join(kept, ", "))
}

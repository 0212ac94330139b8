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

package proxy

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/proxymagic/proxymagic/rules"
)

// responseWriter wraps the client-side writer and tracks the flags the
// error renderer consults before synthesizing anything.
type responseWriter struct {
	http.ResponseWriter

	wroteHeader atomic.Bool
	finished    atomic.Bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.wroteHeader.Store(true)
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	rw.wroteHeader.Store(true)
	return rw.ResponseWriter.Write(p)
}

// HeadersSent reports whether the status line went out.
func (rw *responseWriter) HeadersSent() bool { return rw.wroteHeader.Load() }

// Finished reports whether the response body is complete.
func (rw *responseWriter) Finished() bool { return rw.finished.Load() }

func (rw *responseWriter) markFinished() { rw.finished.Store(true) }

func (rw *responseWriter) flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// newTransaction builds the per-request context. The upstream record
// is prefilled from the reconstructed URL so that rules see the same
// starting point the client requested; rules overwrite fields and the
// pipeline's normalizer reconciles the result.
func (s *Server) newTransaction(w http.ResponseWriter, r *http.Request, isSSL bool) *rules.Transaction {
	tx := &rules.Transaction{
		ID:             uuid.NewString(),
		ClientRequest:  r,
		IsSSL:          isSSL,
		ClientResponse: newResponseWriter(w),
	}

	tx.URL = reconstructURL(r, isSSL)
	tx.Internal = isInternalRequest(tx.URL)
	if tx.URL == nil {
		return tx
	}

	port := 0
	if p := tx.URL.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	} else if isSSL {
		port = 443
	} else {
		port = 80
	}

	tx.Upstream = &rules.Upstream{
		Hostname: tx.URL.Hostname(),
		Port:     port,
		Scheme:   tx.URL.Scheme,
		Path:     tx.URL.RequestURI(),
		Method:   r.Method,
		Header:   make(http.Header),
	}
	return tx
}

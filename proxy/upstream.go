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
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/proxymagic/proxymagic/rules"
)

// Hop-by-hop headers, removed in both directions. Per RFC 7230 these
// describe the connection, not the resource, and must not be
// forwarded end to end.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeConnectionHeaders removes the headers listed in Connection
// itself. See RFC 7230, section 6.1.
func removeConnectionHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
}

func scrubHopByHop(h http.Header) {
	removeConnectionHeaders(h)
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// newTransports builds the two upstream transports: a pooled one for
// normal traffic (idle connections reused per host and scheme) and a
// keep-alive-free direct one used when a rule redirected the
// transaction to a plaintext port.
func newTransports() (pooled, direct *http.Transport) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	pooled = &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	direct = &http.Transport{
		DialContext:           dialer.DialContext,
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return pooled, direct
}

func (s *Server) transportFor(up *rules.Upstream) http.RoundTripper {
	if up.UseDirectTransport {
		return s.direct
	}
	return s.pooled
}

// buildUpstreamRequest turns the normalized upstream descriptor into
// the outbound request. Client headers are copied with hop-by-hop
// fields scrubbed, then the rule's header overrides are applied.
func (s *Server) buildUpstreamRequest(ctx context.Context, tx *rules.Transaction) (*http.Request, error) {
	up := tx.Upstream

	host := up.Hostname
	defaultPort := (up.Scheme == "http" && up.Port == 80) ||
		(up.Scheme == "https" && up.Port == 443)
	if !defaultPort {
		host = fmt.Sprintf("%s:%d", up.Hostname, up.Port)
	}

	target := &url.URL{Scheme: up.Scheme, Host: host}
	if parsed, err := url.ParseRequestURI(up.Path); err == nil {
		target.Path = parsed.Path
		target.RawQuery = parsed.RawQuery
	} else {
		target.Path = up.Path
	}

	var body io.Reader = tx.ClientRequest.Body
	transformed := false
	if tx.MatchedRule != nil && tx.ClientRequest.Body != nil && tx.ClientRequest.Body != http.NoBody {
		body = newTransformingReader(tx.ClientRequest.Body, tx, tx.MatchedRule.OnRequestData)
		transformed = true
	}

	req, err := http.NewRequestWithContext(ctx, up.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	req.Header = tx.ClientRequest.Header.Clone()
	scrubHopByHop(req.Header)
	for name, values := range up.Header {
		req.Header.Del(name)
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	if up.HostHeader != "" {
		req.Host = up.HostHeader
	}
	if !transformed {
		req.ContentLength = tx.ClientRequest.ContentLength
	}
	return req, nil
}

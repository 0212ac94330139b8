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

// Package proxy implements the intercepting HTTP/HTTPS listener: plain
// proxy-form requests and CONNECT tunnels on one port, TLS termination
// with minted leaf certificates, and the per-transaction lifecycle
// through the rule pipeline to the upstream.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proxymagic/proxymagic/pki"
	"github.com/proxymagic/proxymagic/rules"
	"github.com/proxymagic/proxymagic/stats"
)

const (
	tlsHandshakeTimeout = 10 * time.Second
	readHeaderTimeout   = 30 * time.Second
)

// Options wires a Server to its collaborators.
type Options struct {
	Addr     string
	Certs    *pki.Store
	Pipeline *rules.Pipeline
	Stats    *stats.Stats
	Sink     *stats.Sink
	Log      *zap.Logger
}

// Server is the single listener accepting both plain HTTP proxy-form
// requests and CONNECT tunnels. One worker per accepted connection;
// requests within a connection are handled sequentially.
type Server struct {
	addr     string
	log      *zap.Logger
	certs    *pki.Store
	pipeline *rules.Pipeline
	stats    *stats.Stats
	sink     *stats.Sink

	httpSrv  *http.Server
	listener net.Listener

	pooled *http.Transport
	direct *http.Transport

	tunnelsMu sync.Mutex
	tunnels   map[*http.Server]struct{}

	fatal chan error
}

// NewServer builds the server; call Start to begin accepting.
func NewServer(opts Options) *Server {
	s := &Server{
		addr:     opts.Addr,
		log:      opts.Log,
		certs:    opts.Certs,
		pipeline: opts.Pipeline,
		stats:    opts.Stats,
		sink:     opts.Sink,
		tunnels:  make(map[*http.Server]struct{}),
		fatal:    make(chan error, 1),
	}
	s.pooled, s.direct = newTransports()
	s.httpSrv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Start binds the listener and begins serving in the background. A
// bind failure (port in use, bad address) is returned synchronously;
// later accept-loop failures surface on Fatal.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("proxy listening", zap.String("addr", ln.Addr().String()))
	s.sink.Emit(stats.EventSystem, "proxy listening on "+ln.Addr().String(), stats.Metadata{})

	go func() {
		err := s.httpSrv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fatal <- err
		}
	}()
	return nil
}

// Fatal delivers an unrecoverable serve error, if one ever happens.
func (s *Server) Fatal() <-chan error { return s.fatal }

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown drains the server: stop accepting, then let outstanding
// transactions (including tunneled ones) finish within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)

	s.tunnelsMu.Lock()
	tunnels := make([]*http.Server, 0, len(s.tunnels))
	for srv := range s.tunnels {
		tunnels = append(tunnels, srv)
	}
	s.tunnelsMu.Unlock()

	var wg sync.WaitGroup
	for _, srv := range tunnels {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			srv.Shutdown(ctx) //nolint:errcheck
		}(srv)
	}
	wg.Wait()

	s.pooled.CloseIdleConnections()
	s.direct.CloseIdleConnections()
	return err
}

// ServeHTTP dispatches plain proxy requests and CONNECT tunnels.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleTransaction(w, r, false)
}

// handleTransaction drives one request through the lifecycle:
// ReadHead -> pipeline -> Dial -> Streaming -> Done, or the terminal
// error state via the error renderer.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request, isSSL bool) {
	tx := s.newTransaction(w, r, isSSL)
	rw := tx.ClientResponse.(*responseWriter)
	defer rw.markFinished()

	urlStr := ""
	if tx.URL != nil {
		urlStr = tx.URL.String()
	}
	s.sink.Emit(stats.EventRequest, r.Method+" "+urlStr, stats.Metadata{
		URL: urlStr, Method: r.Method,
	})
	if tx.URL != nil && !tx.Internal {
		s.stats.RecordRequest(tx.URL.Hostname())
	}

	snapshot := s.pipeline.Snapshot()
	outcome, err := s.pipeline.Run(tx, snapshot)
	if err != nil {
		s.sink.Emit(stats.EventError, err.Error(), stats.Metadata{URL: urlStr})
		s.writeError(tx, KindInternal, err)
		return
	}

	switch outcome {
	case rules.OutcomeNoRoute:
		s.log.Warn("request URL could not be reconstructed",
			zap.String("request_uri", r.RequestURI),
			zap.String("tx", tx.ID))
		s.writeNoRoute(tx)

	case rules.OutcomeManual:
		s.sink.Emit(stats.EventRule, "manual response by "+tx.MatchedRule.Filename(), stats.Metadata{
			URL: urlStr, Rule: tx.MatchedRule.Filename(),
		})

	case rules.OutcomeUpstream, rules.OutcomePassThrough:
		if tx.MatchedRule != nil {
			s.sink.Emit(stats.EventRule, "rule matched: "+tx.MatchedRule.Filename(), stats.Metadata{
				URL: urlStr, Rule: tx.MatchedRule.Filename(),
			})
		}
		s.proxyUpstream(tx)
	}
}

func (s *Server) writeNoRoute(tx *rules.Transaction) {
	w := tx.ClientResponse
	if w.HeadersSent() || w.Finished() || tx.ManualResponse {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusBadRequest)
	io.WriteString(w, "400 Bad Request: the proxy could not determine a target URL\n") //nolint:errcheck
}

// proxyUpstream dials the normalized upstream and streams the
// response back through the body rewriter.
func (s *Server) proxyUpstream(tx *rules.Transaction) {
	ctx := tx.ClientRequest.Context()
	rw := tx.ClientResponse.(*responseWriter)
	urlStr := ""
	if tx.URL != nil {
		urlStr = tx.URL.String()
	}

	req, err := s.buildUpstreamRequest(ctx, tx)
	if err != nil {
		s.sink.Emit(stats.EventError, err.Error(), stats.Metadata{URL: urlStr})
		s.writeError(tx, KindInternal, err)
		return
	}

	resp, err := s.transportFor(tx.Upstream).RoundTrip(req)
	if err != nil {
		if isClientGone(err) {
			s.log.Debug("client went away during dial",
				zap.String("tx", tx.ID), zap.Error(err))
			return
		}
		kind := Classify(err)
		s.sink.Emit(stats.EventError, err.Error(), stats.Metadata{
			URL: urlStr, Status: kind.status(),
		})
		s.writeError(tx, kind, err)
		return
	}
	defer resp.Body.Close()

	if tx.MatchedRule != nil {
		if hookErr := s.safeOnResponse(tx); hookErr != nil {
			s.log.Error("rule onResponse failed; forwarding unmodified",
				zap.String("rule", tx.MatchedRule.Filename()),
				zap.Error(hookErr))
		}
	}

	scrubHopByHop(resp.Header)

	var src io.Reader = resp.Body
	if tx.UseDecompression && tx.MatchedRule != nil {
		if enc := strings.ToLower(resp.Header.Get("Content-Encoding")); enc != "" {
			dec, supported, decErr := decompressBody(enc, resp.Body)
			switch {
			case decErr != nil:
				s.sink.Emit(stats.EventError, decErr.Error(), stats.Metadata{URL: urlStr})
				s.writeError(tx, KindInternal, decErr)
				return
			case supported:
				defer dec.Close()
				src = dec
				resp.Header.Del("Content-Encoding")
				resp.Header.Del("Content-Length")
			default:
				s.log.Warn("unsupported content coding; passing body through unmodified",
					zap.String("encoding", enc),
					zap.String("rule", tx.MatchedRule.Filename()))
			}
		}
	}

	var hook chunkFunc
	if tx.MatchedRule != nil {
		hook = tx.MatchedRule.OnResponseData
		// The rule may rewrite or replace the body, so any upstream
		// length claim is off; switch to chunked framing.
		resp.Header.Del("Content-Length")
	}

	header := rw.Header()
	for name, values := range resp.Header {
		header[name] = values
	}
	rw.WriteHeader(resp.StatusCode)

	written, cancelled, err := forwardBody(ctx, rw, src, tx, hook, rw.flush)
	if err != nil {
		if isClientGone(err) {
			s.log.Debug("client went away mid-body",
				zap.String("tx", tx.ID), zap.Error(err))
			cancelled = true
		} else {
			// Headers are out; nothing can be synthesized now.
			s.log.Warn("streaming response failed",
				zap.String("tx", tx.ID),
				zap.Int64("written", written),
				zap.Error(err))
			s.sink.Emit(stats.EventError, err.Error(), stats.Metadata{URL: urlStr})
		}
	}

	if tx.MatchedRule != nil {
		if endErr := s.safeOnResponseEnd(tx, cancelled); endErr != nil {
			s.log.Error("rule onResponseEnd failed",
				zap.String("rule", tx.MatchedRule.Filename()),
				zap.Error(endErr))
		}
	}

	rw.markFinished()
	s.sink.Emit(stats.EventResponse, resp.Status, stats.Metadata{
		URL: urlStr, Status: resp.StatusCode,
	})
}

func (s *Server) safeOnResponse(tx *rules.Transaction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic in onResponse")
		}
	}()
	return tx.MatchedRule.OnResponse(tx)
}

func (s *Server) safeOnResponseEnd(tx *rules.Transaction, cancelled bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic in onResponseEnd")
		}
	}()
	return tx.MatchedRule.OnResponseEnd(tx, cancelled)
}

// handleConnect answers a CONNECT with 200, terminates TLS with a
// minted leaf for the requested host, and serves the inner requests
// sequentially over the tunnel.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	if host == "" {
		host, _, _ = net.SplitHostPort(r.Host)
	}
	if host == "" {
		http.Error(w, "CONNECT target missing", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "tunneling unsupported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hj.Hijack()
	if err != nil {
		s.log.Error("hijacking CONNECT", zap.Error(err))
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		clientConn.Close()
		return
	}

	s.serveTunnel(clientConn, host)
}

func (s *Server) serveTunnel(clientConn net.Conn, host string) {
	tlsConn := tls.Server(clientConn, s.certs.TLSConfigFor(host))
	tlsConn.SetDeadline(time.Now().Add(tlsHandshakeTimeout)) //nolint:errcheck
	if err := tlsConn.Handshake(); err != nil {
		// A mint failure must fail the handshake, never fall back to
		// plaintext.
		kind := Classify(err)
		s.sink.Emit(stats.EventError, "TLS handshake with client failed: "+err.Error(), stats.Metadata{
			Domain: host, Status: kind.status(),
		})
		tlsConn.Close()
		return
	}
	tlsConn.SetDeadline(time.Time{}) //nolint:errcheck

	ln := newSingleConnListener(tlsConn)
	inner := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Host == "" {
				r.Host = host
			}
			s.handleTransaction(w, r, true)
		}),
		ReadHeaderTimeout: readHeaderTimeout,

		// The listener must unblock once the tunnel's one connection
		// is gone, or Serve never returns and the tunnel entry leaks.
		ConnState: func(conn net.Conn, state http.ConnState) {
			if state == http.StateClosed {
				ln.Close() //nolint:errcheck
			}
		},
	}

	s.tunnelsMu.Lock()
	s.tunnels[inner] = struct{}{}
	s.tunnelsMu.Unlock()
	defer func() {
		s.tunnelsMu.Lock()
		delete(s.tunnels, inner)
		s.tunnelsMu.Unlock()
	}()

	err := inner.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("tunnel closed", zap.String("host", host), zap.Error(err))
	}
}

// singleConnListener feeds exactly one established connection to an
// http.Server, which then drives the sequential request loop and
// keep-alive handling for the tunnel.
type singleConnListener struct {
	conn net.Conn
	once sync.Once
	ch   chan net.Conn
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	l := &singleConnListener{conn: conn, ch: make(chan net.Conn, 1)}
	l.ch <- conn
	return l
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	conn, ok := <-l.ch
	if !ok || conn == nil {
		return nil, net.ErrClosed
	}
	return conn, nil
}

func (l *singleConnListener) Close() error {
	l.once.Do(func() { close(l.ch) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

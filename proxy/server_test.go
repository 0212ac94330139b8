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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/proxymagic/proxymagic/pki"
	"github.com/proxymagic/proxymagic/rules"
	"github.com/proxymagic/proxymagic/stats"
)

type testProxy struct {
	server *Server
	ca     *pki.CA
	url    *url.URL
}

// startTestProxy boots a full proxy on a random loopback port with the
// given rule documents (filename -> JSON).
func startTestProxy(t *testing.T, ruleDocs map[string]string) *testProxy {
	t.Helper()

	rulesDir := t.TempDir()
	for name, content := range ruleDocs {
		require.NoError(t, os.WriteFile(filepath.Join(rulesDir, name), []byte(content), 0o644))
	}

	log := zap.NewNop()
	ca, err := pki.LoadOrGenerateCA(t.TempDir(), log)
	require.NoError(t, err)

	store, err := rules.NewStore(rules.StoreOptions{
		Dir:       rulesDir,
		StatePath: filepath.Join(t.TempDir(), "state.json"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	st := stats.New(prometheus.NewRegistry())
	srv := NewServer(Options{
		Addr:     "127.0.0.1:0",
		Certs:    pki.NewStore(ca, log),
		Pipeline: rules.NewPipeline(store, st, log),
		Stats:    st,
		Sink:     stats.NewSink(log),
		Log:      log,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	})

	return &testProxy{
		server: srv,
		ca:     ca,
		url:    &url.URL{Scheme: "http", Host: srv.Addr().String()},
	}
}

func (p *testProxy) client() *http.Client {
	pool := x509.NewCertPool()
	pool.AddCert(p.ca.Root)
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(p.url),
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}
}

func TestProxyPassThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "upstream saw %s %s", r.Method, r.URL.Path)
	}))
	defer upstream.Close()

	p := startTestProxy(t, nil)
	resp, err := p.client().Get(upstream.URL + "/hello")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "upstream saw GET /hello", string(body))
}

func TestProxyInjectsRequestHeaders(t *testing.T) {
	var gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Injected")
	}))
	defer upstream.Close()

	p := startTestProxy(t, map[string]string{
		"inject.json": `{
			"match": "host == \"127.0.0.1\"",
			"requestHeaders": {"X-Injected": "yes"}
		}`,
	})

	resp, err := p.client().Get(upstream.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "yes", gotHeader)
}

func TestProxyManualResponse(t *testing.T) {
	p := startTestProxy(t, map[string]string{
		"block.json": `{
			"match": "host == \"blocked.test\"",
			"respond": {
				"status": 403,
				"headers": {"X-Blocked-By": "policy"},
				"body": "not today"
			}
		}`,
	})

	// No DNS involved: the proxy answers before any dial.
	resp, err := p.client().Get("http://blocked.test/anything")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "policy", resp.Header.Get("X-Blocked-By"))
	require.Equal(t, "not today", string(body))
}

func TestProxyMITMTunnel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Hello, world")
	}))
	defer upstream.Close()
	_, port, err := net.SplitHostPort(upstream.Listener.Addr().String())
	require.NoError(t, err)

	p := startTestProxy(t, map[string]string{
		"redirect.json": fmt.Sprintf(`{
			"match": "host == \"example.test\"",
			"upstream": {"hostname": "127.0.0.1", "port": %s, "protocol": "http"},
			"replaceBody": [{"find": "world", "replace": "proxy"}]
		}`, port),
	})

	// The client tunnels to example.test; the proxy terminates TLS
	// with a minted leaf and the rule redirects to the local upstream.
	resp, err := p.client().Get("https://example.test/greeting")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Hello, proxy", string(body))
	require.Equal(t, "example.test", resp.TLS.PeerCertificates[0].DNSNames[0])
}

// Each tunnel's serving resources must be released once its client
// disconnects, not held until process shutdown.
func TestTunnelReleasedAfterClientCloses(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer upstream.Close()
	_, port, err := net.SplitHostPort(upstream.Listener.Addr().String())
	require.NoError(t, err)

	p := startTestProxy(t, map[string]string{
		"redirect.json": fmt.Sprintf(`{
			"match": "host == \"example.test\"",
			"upstream": {"hostname": "127.0.0.1", "port": %s, "protocol": "http"}
		}`, port),
	})

	for i := 0; i < 3; i++ {
		client := p.client()
		resp, err := client.Get("https://example.test/ping")
		require.NoError(t, err)
		_, err = io.Copy(io.Discard, resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		client.CloseIdleConnections()
	}

	require.Eventually(t, func() bool {
		p.server.tunnelsMu.Lock()
		defer p.server.tunnelsMu.Unlock()
		return len(p.server.tunnels) == 0
	}, 3*time.Second, 25*time.Millisecond,
		"tunnel servers still tracked after all clients closed")
}

func TestProxyDNSFailureErrorPage(t *testing.T) {
	p := startTestProxy(t, nil)

	req, err := http.NewRequest("GET", "http://definitely-not-a-real-host.invalid/", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/html")

	resp, err := p.client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Contains(t, string(body), "Site Not Found")
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestProxyGracefulShutdown(t *testing.T) {
	p := startTestProxy(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.server.Shutdown(ctx))

	// The listener is closed; new connections fail.
	_, err := p.client().Get("http://127.0.0.1/after-shutdown")
	require.Error(t, err)
}

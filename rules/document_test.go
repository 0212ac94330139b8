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
	"net/http"
	"testing"

	"go.uber.org/zap"
)

func mustFileRule(t *testing.T, doc document) *fileRule {
	t.Helper()
	r, err := newFileRule(doc, "test.json", zap.NewNop())
	if err != nil {
		t.Fatalf("building rule: %v", err)
	}
	return r
}

func TestMatchExpressionVariables(t *testing.T) {
	for _, tc := range []struct {
		expr string
		want bool
	}{
		{`host == "example.org"`, true},
		{`host.endsWith(".org")`, true},
		{`port == 443`, true},
		{`path.startsWith("/api")`, true},
		{`query.contains("q=1")`, true},
		{`scheme == "https" && ssl`, true},
		{`method == "POST"`, true},
		{`header["X-Custom"] == "yes"`, true},
		{`url.startsWith("https://example.org/")`, true},
		{`host == "other.org"`, false},
		{`port == 80`, false},
	} {
		t.Run(tc.expr, func(t *testing.T) {
			r := mustFileRule(t, document{Match: tc.expr})
			tx := testTx(t, "POST", "https://example.org/api/items?q=1", true)
			tx.ClientRequest.Header.Set("X-Custom", "yes")
			if got := r.Match(tx); got != tc.want {
				t.Errorf("Match(%s) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestMatchEvalErrorFailsOpen(t *testing.T) {
	// Missing map key errors at eval time; the rule must not claim
	// the transaction.
	r := mustFileRule(t, document{Match: `header["Not-There"] == "x"`})
	tx := testTx(t, "GET", "http://example.org/", false)
	if r.Match(tx) {
		t.Error("eval error should count as no-match")
	}
}

func TestCompileMatchRejectsNonBool(t *testing.T) {
	if _, err := compileMatch(`host`); err == nil {
		t.Error("string-typed expression must be rejected")
	}
	if _, err := compileMatch(`host ====`); err == nil {
		t.Error("syntax error must be rejected")
	}
}

func TestOnRequestAppliesUpstreamPatch(t *testing.T) {
	r := mustFileRule(t, document{
		Match: "true",
		Upstream: &upstreamPatch{
			Hostname: "redirected.test",
			Port:     8080,
			Path:     "/new",
			Method:   "PUT",
			Protocol: "http",
		},
		RequestHeaders: map[string]string{"X-Injected": "1"},
	})

	tx := testTx(t, "GET", "https://original.test/old", true)
	tx.Upstream = &Upstream{Hostname: "original.test", Port: 443, Path: "/old", Method: "GET"}

	decision, err := r.OnRequest(tx)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionContinue {
		t.Errorf("decision = %v, want continue", decision)
	}

	up := tx.Upstream
	if up.Hostname != "redirected.test" || up.Port != 8080 || up.Path != "/new" ||
		up.Method != "PUT" || up.Scheme != "http" {
		t.Errorf("patch not applied: %+v", up)
	}
	if up.Header.Get("X-Injected") != "1" {
		t.Error("request header not injected")
	}
}

func TestOnRequestManualResponse(t *testing.T) {
	r := mustFileRule(t, document{
		Match: "true",
		Respond: &manualResponse{
			Status:  http.StatusForbidden,
			Headers: map[string]string{"X-Blocked-By": "policy"},
			Body:    "blocked",
		},
	})

	tx := testTx(t, "GET", "http://blocked.test/", false)
	decision, err := r.OnRequest(tx)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionTakeOver {
		t.Fatalf("decision = %v, want take-over", decision)
	}
	if !tx.ManualResponse {
		t.Error("ManualResponse not set")
	}

	rec := tx.ClientResponse.(*recordingWriter)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Blocked-By") != "policy" {
		t.Error("response header missing")
	}
	if rec.Body.String() != "blocked" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") == "" {
		t.Error("default Content-Type missing")
	}
}

func TestOnResponseDataReplaceBody(t *testing.T) {
	r := mustFileRule(t, document{
		Match: "true",
		ReplaceBody: []bodyReplacement{
			{Find: "Hello", Replace: "Goodbye"},
			{Find: "world", Replace: "moon"},
		},
	})

	tx := testTx(t, "GET", "http://example.org/", false)
	out, err := r.OnResponseData(tx, []byte("Hello, world! Hello again."))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "Goodbye, moon! Goodbye again." {
		t.Errorf("rewritten chunk = %q", out)
	}
}

func TestDecompressFlagSetsTransaction(t *testing.T) {
	r := mustFileRule(t, document{Match: "true", Decompress: true})
	tx := testTx(t, "GET", "http://example.org/", false)
	if _, err := r.OnRequest(tx); err != nil {
		t.Fatal(err)
	}
	if !tx.UseDecompression {
		t.Error("UseDecompression not set")
	}
}

func TestUnknownHandlerRejected(t *testing.T) {
	_, err := newFileRule(document{Match: "true", Handler: "does-not-exist"}, "x.json", zap.NewNop())
	if err == nil {
		t.Error("unknown handler must fail document validation")
	}
}

type testDataHandler struct{}

func (testDataHandler) OnResponseData(_ *Transaction, chunk []byte) ([]byte, error) {
	return append(chunk, '!'), nil
}

func TestHandlerHooksInvoked(t *testing.T) {
	RegisterHandler("test-exclaim", testDataHandler{})

	r := mustFileRule(t, document{
		Match:       "true",
		ReplaceBody: []bodyReplacement{{Find: "a", Replace: "b"}},
		Handler:     "test-exclaim",
	})

	tx := testTx(t, "GET", "http://example.org/", false)
	out, err := r.OnResponseData(tx, []byte("aaa"))
	if err != nil {
		t.Fatal(err)
	}
	// Declarative replacement first, then the handler.
	if string(out) != "bbb!" {
		t.Errorf("chunk = %q, want declarative-then-handler order", out)
	}
}

func TestStripAcceptEncoding(t *testing.T) {
	for _, tc := range []struct {
		in, want string
		strip    []string
	}{
		{"gzip, deflate, br", "gzip, deflate", []string{"br"}},
		{"gzip, br;q=1.0, zstd", "gzip", []string{"br", "zstd"}},
		{"br", "", []string{"br"}},
		{"gzip", "gzip", []string{"br"}},
	} {
		h := http.Header{}
		h.Set("Accept-Encoding", tc.in)
		stripAcceptEncoding(h, tc.strip)
		if got := h.Get("Accept-Encoding"); got != tc.want {
			t.Errorf("strip %v from %q = %q, want %q", tc.strip, tc.in, got, tc.want)
		}
	}
}

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
	"net/url"
	"testing"
)

func rawRequest(t *testing.T, method, requestURI, host string) *http.Request {
	t.Helper()
	u, err := url.ParseRequestURI("/")
	if err != nil {
		t.Fatal(err)
	}
	return &http.Request{
		Method:     method,
		RequestURI: requestURI,
		Host:       host,
		URL:        u,
		Header:     http.Header{},
	}
}

func TestReconstructURL(t *testing.T) {
	for _, tc := range []struct {
		name       string
		requestURI string
		host       string
		isSSL      bool
		want       string
	}{
		{"proxy-form absolute", "http://example.org/page?q=1", "example.org", false, "http://example.org/page?q=1"},
		{"proxy-form absolute https", "https://example.org/x", "example.org", false, "https://example.org/x"},
		{"origin-form in tunnel", "/api/items", "example.org", true, "https://example.org/api/items"},
		{"origin-form plain", "/page", "example.org", false, "http://example.org/page"},
		{"host with port", "/x", "example.org:8443", true, "https://example.org:8443/x"},
		{"empty path", "", "example.org", true, "https://example.org/"},
		{"relative path", "page", "example.org", false, "http://example.org/page"},
		{"authority-ish junk", "example.org:443", "example.org", true, "https://example.org/"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := rawRequest(t, "GET", tc.requestURI, tc.host)
			u := reconstructURL(r, tc.isSSL)
			if u == nil {
				t.Fatal("got nil URL")
			}
			if u.String() != tc.want {
				t.Errorf("reconstructed %q, want %q", u.String(), tc.want)
			}
		})
	}
}

func TestReconstructURLNoHost(t *testing.T) {
	r := rawRequest(t, "GET", "/page", "")
	if u := reconstructURL(r, false); u != nil {
		t.Errorf("expected nil without a Host header, got %v", u)
	}
}

func TestIsInternalRequest(t *testing.T) {
	for _, tc := range []struct {
		rawURL string
		want   bool
	}{
		{"https://update.googleapis.com/service/update2", true},
		{"https://safebrowsing.google.com/v4/threatListUpdates", true},
		{"https://optimizationguide-pa.googleapis.com/v1/models", true},
		{"http://chrome-extension.invalid/abc", true},
		{"https://example.org/", false},
		{"https://googleapis.com.evil.example/", true}, // substring match is intentional
	} {
		u, err := url.Parse(tc.rawURL)
		if err != nil {
			t.Fatal(err)
		}
		if got := isInternalRequest(u); got != tc.want {
			t.Errorf("isInternalRequest(%s) = %v, want %v", tc.rawURL, got, tc.want)
		}
	}
	if isInternalRequest(nil) {
		t.Error("nil URL must not be internal")
	}
}

func TestRequestExpectsHTML(t *testing.T) {
	for _, tc := range []struct {
		name   string
		method string
		path   string
		accept string
		want   bool
	}{
		{"browser navigation", "GET", "/page", "text/html,application/xhtml+xml", true},
		{"explicit html file", "GET", "/index.html", "", true},
		{"json api", "GET", "/api", "application/json", false},
		{"json after wildcard", "GET", "/api", "*/*;q=0.8, application/json", false},
		{"image after wildcard", "GET", "/pic", "*/*, image/avif;q=0.9", false},
		{"image", "GET", "/logo.png", "image/webp,*/*", false},
		{"script by extension", "GET", "/app.js", "*/*", false},
		{"stylesheet", "GET", "/style.css", "text/css,*/*;q=0.1", false},
		{"extensionless GET", "GET", "/api/items", "*/*", true},
		{"POST without accept", "POST", "/submit", "*/*", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := &http.Request{
				Method: tc.method,
				URL:    &url.URL{Path: tc.path},
				Header: http.Header{},
			}
			if tc.accept != "" {
				r.Header.Set("Accept", tc.accept)
			}
			if got := requestExpectsHTML(r); got != tc.want {
				t.Errorf("requestExpectsHTML = %v, want %v", got, tc.want)
			}
		})
	}
}

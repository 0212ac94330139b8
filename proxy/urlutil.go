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
	"path"
	"strings"
)

// internalHostPatterns marks browser telemetry and extension traffic
// that should not pollute user statistics. Matching is by substring
// against the reconstructed host. Still processed for rules.
var internalHostPatterns = []string{
	"googleapis.com",
	"google.com",
	"chrome-extension",
	"moz-extension",
	"optimizationguide-pa.googleapis.com",
}

// reconstructURL rebuilds the absolute URL for a transaction. Clients
// speak proxy-form on plain HTTP (absolute request-URI) and origin-form
// inside a TLS tunnel, where the scheme comes from isSSL and the host
// from the Host header. Returns nil when no URL can be derived; the
// caller logs and treats the transaction as unroutable.
func reconstructURL(r *http.Request, isSSL bool) *url.URL {
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}

	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		u, err := url.Parse(uri)
		if err != nil {
			return nil
		}
		return u
	}

	host := r.Host
	if host == "" {
		host = r.Header.Get("Host")
	}
	if host == "" {
		return nil
	}

	scheme := "http"
	if isSSL {
		scheme = "https"
	}

	// Normalize odd request paths: an empty path, or a schemeless
	// form containing a colon before any slash, becomes "/".
	switch {
	case uri == "":
		uri = "/"
	case !strings.HasPrefix(uri, "/"):
		if strings.Contains(uri, ":") {
			uri = "/"
		} else {
			uri = "/" + uri
		}
	}

	u, err := url.Parse(scheme + "://" + host + uri)
	if err != nil {
		return nil
	}
	return u
}

// isInternalRequest reports whether u is internal browser noise that
// must be excluded from user statistics.
func isInternalRequest(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := u.Host
	for _, pattern := range internalHostPatterns {
		if strings.Contains(host, pattern) {
			return true
		}
	}
	return false
}

// Media ranges in Accept that indicate the client does not want HTML.
var nonHTMLAcceptPrefixes = []string{
	"image/", "font/", "audio/", "video/",
	"text/css", "application/json", "application/javascript",
	"application/xml", "application/octet-stream",
}

// File extensions that are definitely not HTML documents.
var nonHTMLExtensions = map[string]bool{
	".js": true, ".css": true, ".json": true, ".xml": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true,
	".mp3": true, ".mp4": true, ".webm": true, ".wasm": true,
	".map": true, ".txt": true, ".pdf": true, ".zip": true,
}

// requestExpectsHTML guesses whether the client would render an HTML
// error page for this request. Used only by the error renderer to pick
// between the HTML page and the single-line plain body.
func requestExpectsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "text/html") {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaRange := strings.TrimSpace(part)
		if i := strings.Index(mediaRange, ";"); i >= 0 {
			mediaRange = mediaRange[:i]
		}
		for _, prefix := range nonHTMLAcceptPrefixes {
			if strings.HasPrefix(mediaRange, prefix) {
				return false
			}
		}
	}

	ext := strings.ToLower(path.Ext(r.URL.Path))
	if ext == ".html" || ext == ".htm" {
		return true
	}
	if nonHTMLExtensions[ext] {
		return false
	}

	// A GET for an extensionless path is most likely a navigation.
	return r.Method == http.MethodGet || r.Method == ""
}

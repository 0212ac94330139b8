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
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/proxymagic/proxymagic/pki"
	"github.com/proxymagic/proxymagic/rules"
)

// Kind classifies a transport error for the user-visible response.
// Classification happens at the error's source; the renderer pattern
// matches on kinds, never on message strings.
type Kind int

const (
	// KindInternal covers anything not otherwise classified.
	KindInternal Kind = iota

	// KindDNS: the upstream hostname did not resolve.
	KindDNS

	// KindRefused: the upstream actively refused the connection.
	KindRefused

	// KindTimeout: the upstream did not answer in time.
	KindTimeout

	// KindCert: a TLS or certificate failure, on either side.
	KindCert
)

// status and title per kind, per the user-facing error page contract.
func (k Kind) status() int {
	switch k {
	case KindDNS, KindRefused, KindCert:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (k Kind) title() string {
	switch k {
	case KindDNS:
		return "Site Not Found"
	case KindRefused:
		return "Connection Refused"
	case KindTimeout:
		return "Request Timeout"
	case KindCert:
		return "Certificate Error"
	}
	return "Proxy Error"
}

func (k Kind) message() string {
	switch k {
	case KindDNS:
		return "The hostname could not be resolved."
	case KindRefused:
		return "The upstream server refused the connection."
	case KindTimeout:
		return "The upstream server took too long to respond."
	case KindCert:
		return "A certificate problem prevented the secure connection."
	}
	return "The proxy could not complete this request."
}

// Classify maps a transport error to its kind.
func Classify(err error) Kind {
	var certErr *pki.CertError
	var dnsErr *net.DNSError
	var x509Unknown x509.UnknownAuthorityError
	var x509Invalid x509.CertificateInvalidError
	var x509Hostname x509.HostnameError
	var tlsRecord tls.RecordHeaderError

	switch {
	case errors.As(err, &certErr),
		errors.As(err, &x509Unknown),
		errors.As(err, &x509Invalid),
		errors.As(err, &x509Hostname),
		errors.As(err, &tlsRecord):
		return KindCert
	case errors.As(err, &dnsErr):
		return KindDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindInternal
}

// isClientGone reports expected client-side socket noise: the client
// disconnected, so there is nobody to answer. Logged at debug only.
func isClientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	// http.Server signals an aborted client with this sentinel.
	return errors.Is(err, http.ErrAbortHandler)
}

// writeError synthesizes the user-visible error response. Never writes
// when headers already went out, the response finished, or the rule
// owns the socket.
func (s *Server) writeError(tx *rules.Transaction, kind Kind, cause error) {
	w := tx.ClientResponse
	if w == nil || w.HeadersSent() || w.Finished() || tx.ManualResponse {
		s.log.Debug("suppressing error response",
			zap.String("tx", tx.ID), zap.Error(cause))
		return
	}

	status := kind.status()
	title := kind.title()
	message := kind.message()
	details := ""
	if cause != nil {
		details = cause.Error()
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	originalURL := ""
	if tx.URL != nil {
		originalURL = tx.URL.String()
	}

	if requestExpectsHTML(tx.ClientRequest) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, err := fmt.Fprint(w, renderErrorPage(status, title, message, details, originalURL))
		if err != nil {
			s.log.Debug("writing error page", zap.String("tx", tx.ID), zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := fmt.Fprintf(w, "%d %s: %s\n", status, title, message); err != nil {
		s.log.Debug("writing error response", zap.String("tx", tx.ID), zap.Error(err))
	}
}

// renderErrorPage builds the self-contained HTML error document.
func renderErrorPage(status int, title, message, details, originalURL string) string {
	var b strings.Builder
	esc := html.EscapeString

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	fmt.Fprintf(&b, "<title>%d %s</title>\n", status, esc(title))
	b.WriteString(`<style>
body { font-family: system-ui, sans-serif; margin: 3em auto; max-width: 40em; padding: 0 1em; color: #222; }
h1 { font-size: 1.4em; }
.status { color: #888; }
.details { background: #f5f5f5; border-radius: 4px; padding: 1em; font-family: monospace; font-size: 0.85em; word-break: break-all; }
.meta { color: #888; font-size: 0.8em; margin-top: 2em; }
</style>
</head>
<body>
`)
	fmt.Fprintf(&b, "<h1><span class=\"status\">%d</span> %s</h1>\n", status, esc(title))
	fmt.Fprintf(&b, "<p>%s</p>\n", esc(message))
	if details != "" {
		fmt.Fprintf(&b, "<div class=\"details\">%s</div>\n", esc(details))
	}
	if originalURL != "" {
		fmt.Fprintf(&b, "<p>Requested URL: <code>%s</code></p>\n", esc(originalURL))
	}
	fmt.Fprintf(&b, "<p class=\"meta\">Generated by the proxy at %s</p>\n",
		time.Now().UTC().Format(time.RFC3339))
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

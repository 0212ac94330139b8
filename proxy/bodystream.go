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
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/proxymagic/proxymagic/rules"
)

const bodyChunkSize = 32 * 1024

// chunkFunc is a per-transaction body chunk hook. Returning a nil
// chunk withholds the bytes; order is preserved across calls.
type chunkFunc func(tx *rules.Transaction, chunk []byte) ([]byte, error)

// decompressBody wraps r according to the Content-Encoding value.
// Only gzip and deflate are supported; for anything else (notably br
// and zstd) ok is false and the caller must pass bytes through
// untouched.
func decompressBody(encoding string, r io.Reader) (reader io.ReadCloser, ok bool, err error) {
	switch encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, true, fmt.Errorf("opening gzip body: %w", err)
		}
		return zr, true, nil
	case "deflate":
		// Some origins send raw DEFLATE rather than the zlib framing
		// the token actually means. Sniff the header byte.
		br := bufio.NewReader(r)
		head, err := br.Peek(2)
		if err != nil {
			return nil, true, fmt.Errorf("reading deflate body: %w", err)
		}
		if head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0 {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, true, fmt.Errorf("opening deflate body: %w", err)
			}
			return zr, true, nil
		}
		return flate.NewReader(br), true, nil
	}
	return nil, false, nil
}

// transformingReader lifts a per-chunk callback into an io.Reader, so
// rule hooks compose with decompression and chunked re-framing like
// any other reader in the chain.
type transformingReader struct {
	src  io.Reader
	tx   *rules.Transaction
	hook chunkFunc

	buf     []byte // transformed bytes not yet consumed
	readBuf []byte
	err     error
}

func newTransformingReader(src io.Reader, tx *rules.Transaction, hook chunkFunc) *transformingReader {
	return &transformingReader{
		src:     src,
		tx:      tx,
		hook:    hook,
		readBuf: make([]byte, bodyChunkSize),
	}
}

func (tr *transformingReader) Read(p []byte) (int, error) {
	for len(tr.buf) == 0 {
		if tr.err != nil {
			return 0, tr.err
		}
		n, err := tr.src.Read(tr.readBuf)
		if n > 0 {
			chunk, hookErr := tr.hook(tr.tx, tr.readBuf[:n])
			if hookErr != nil {
				tr.err = hookErr
				return 0, hookErr
			}
			// nil chunk: the rule withheld these bytes (full-buffer
			// mode); keep reading.
			tr.buf = chunk
		}
		if err != nil {
			tr.err = err
			if len(tr.buf) == 0 {
				return 0, err
			}
		}
	}

	n := copy(p, tr.buf)
	tr.buf = tr.buf[n:]
	return n, nil
}

// forwardBody streams src to dst chunk by chunk, applying hook when
// non-nil and flushing after every write so streamed responses stay
// live. Stops early when ctx is done (client cancellation) and
// reports it via cancelled.
func forwardBody(ctx context.Context, dst io.Writer, src io.Reader, tx *rules.Transaction, hook chunkFunc, flush func()) (written int64, cancelled bool, err error) {
	buf := make([]byte, bodyChunkSize)
	for {
		if ctx.Err() != nil {
			return written, true, nil
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if hook != nil {
				chunk, err = hook(tx, chunk)
				if err != nil {
					return written, false, err
				}
			}
			if len(chunk) > 0 {
				wn, writeErr := dst.Write(chunk)
				written += int64(wn)
				if writeErr != nil {
					return written, false, writeErr
				}
				if flush != nil {
					flush()
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, false, nil
			}
			return written, false, readErr
		}
	}
}

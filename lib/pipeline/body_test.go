/*
Copyright 2024 Gravitational Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pipeline

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newRequestWithBody(t *testing.T, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://example.test/", strings.NewReader(body))
	require.NoError(t, err)
	return req
}

func TestMaybeCompressBodyBelowThresholdPassesThrough(t *testing.T) {
	t.Parallel()
	body := strings.Repeat("a", compressThreshold-1)
	req := newRequestWithBody(t, body)

	out, err := maybeCompressBody(req, true)
	require.NoError(t, err)
	require.Equal(t, body, string(out))
	require.Empty(t, req.Header.Get("Content-Encoding"))
}

func TestMaybeCompressBodyAtThresholdCompresses(t *testing.T) {
	t.Parallel()
	body := strings.Repeat("a", compressThreshold)
	req := newRequestWithBody(t, body)

	out, err := maybeCompressBody(req, true)
	require.NoError(t, err)
	require.Equal(t, "gzip", req.Header.Get("Content-Encoding"))
	require.Equal(t, "application/octet-stream", req.Header.Get("Content-Type"))

	gr, err := gzip.NewReader(bytes.NewReader(out))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.Equal(t, body, string(decompressed))
}

func TestMaybeCompressBodyNotRequestedPassesThrough(t *testing.T) {
	t.Parallel()
	body := strings.Repeat("a", compressThreshold+100)
	req := newRequestWithBody(t, body)

	out, err := maybeCompressBody(req, false)
	require.NoError(t, err)
	require.Equal(t, body, string(out))
	require.Empty(t, req.Header.Get("Content-Encoding"))
}

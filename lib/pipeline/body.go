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

	"github.com/gravitational/trace"
)

// compressThreshold is the minimum body size that triggers gzip compression
// (spec §4.9 step 7: "if compress and body is at least 2048 bytes").
const compressThreshold = 2048

// maybeCompressBody reads the full request body and, if loc requests
// compression and the body is large enough, gzips it and sets the
// Content-Encoding/Content-Type headers the original forwards upstream
// (spec §4.9 step 7).
func maybeCompressBody(r *http.Request, compress bool) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !compress || len(raw) < compressThreshold {
		return raw, nil
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := gw.Close(); err != nil {
		return nil, trace.Wrap(err)
	}

	r.Header.Set("Content-Encoding", "gzip")
	r.Header.Set("Content-Type", "application/octet-stream")
	return buf.Bytes(), nil
}

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
	"net/http"

	"github.com/gravitational/trace"

	"github.com/gravitational-labs/meshproxy/lib/perr"
)

var (
	errBadRemoteAddr   = trace.BadParameter("request has no parseable remote address")
	errUnknownGAuthID  = trace.BadParameter("endpoint references an unconfigured g_auth_id")
	errNotHijackable   = trace.BadParameter("response writer does not support hijacking")
	errUnsupportedPass = trace.BadParameter("location has no supported proxy_pass_to target")
)

// renderError writes the status/body mapping from the error handling table
// (spec §7) for a pipeline-classified error.
func renderError(w http.ResponseWriter, err error) {
	status, body := perr.Render(err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

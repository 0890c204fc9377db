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

package config

import (
	"os"

	"github.com/gravitational-labs/meshproxy/lib/placeholders"
)

// LoadTimeResolver builds the resolver used while compiling settings into
// the graph: compiled variables first, then the process environment (spec
// §4.7; order follows the original implementation, see DESIGN.md).
func (g *Graph) LoadTimeResolver() placeholders.Resolver {
	return placeholders.ChainResolver(
		func(name string) (string, bool) { return g.Variable(name) },
		func(name string) (string, bool) { return os.LookupEnv(name) },
	)
}

// ExpandAtLoadTime resolves ${...} placeholders in value using compiled
// variables and the environment only. An unresolved all-uppercase name is
// preserved verbatim for request-time resolution.
func (g *Graph) ExpandAtLoadTime(value string) (string, bool) {
	return placeholders.Expand(value, g.LoadTimeResolver())
}

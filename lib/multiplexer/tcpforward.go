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

package multiplexer

import (
	"io"
	"time"

	"github.com/jonboulle/clockwork"
)

// tcpForwardIdleTimeout is the per-read inactivity bound for the raw TCP
// port-forward splice (spec §4.10).
const tcpForwardIdleTimeout = 30 * time.Second

// deadlineSetter is satisfied by net.Conn and anything else that can bound
// its next Read call; gateway.Stream deliberately no-ops these (its
// liveness is governed by the session's own ping/pong loop), so the splice
// degrades gracefully to an untimed pump when pumping through one.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// spliceWithIdleTimeout pumps a <-> b until either side errs, closes, or
// sits idle past idle on a read, closing both before returning (spec
// §4.10: "on timeout or error the splice closes both halves"). Grounded on
// gateway.Splice's shape, generalized with a per-read deadline since plain
// TCP/TLS/UNIX connections (unlike gateway streams) support one.
func spliceWithIdleTimeout(a, b io.ReadWriteCloser, idle time.Duration, clock clockwork.Clock) error {
	pump := func(dst io.Writer, src io.ReadWriteCloser) error {
		buf := make([]byte, 32*1024)
		for {
			if ds, ok := src.(deadlineSetter); ok {
				if err := ds.SetReadDeadline(clock.Now().Add(idle)); err != nil {
					return err
				}
			}
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
		}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- pump(b, a) }()
	go func() { errCh <- pump(a, b) }()

	err := <-errCh
	_ = a.Close()
	_ = b.Close()
	<-errCh
	return err
}

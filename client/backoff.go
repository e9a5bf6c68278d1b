// Copyright Project Contour Authors
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

package client

import "time"

// backoff is the exponential reconnect schedule for the events stream
// (supplemented feature, see SPEC_FULL.md §6): doubles from a base delay
// up to a cap. The event loop resets it only when a stream ends cleanly
// (io.EOF); a stream that ends with an error advances the delay even if
// it had been up for a while.
type backoff struct {
	base, cap, cur time.Duration
}

func newBackoff() *backoff {
	return &backoff{base: 250 * time.Millisecond, cap: 30 * time.Second}
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
	} else {
		b.cur *= 2
		if b.cur > b.cap {
			b.cur = b.cap
		}
	}
	return b.cur
}

func (b *backoff) reset() { b.cur = 0 }

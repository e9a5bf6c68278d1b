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

// Package health provides a health check service for the cache access
// proxy: the endpoint reports ready once every Checker passed to Handler
// does. cachegrpcd passes a single checker that is always ready.
package health

import (
	"fmt"
	"net/http"
)

// Checker reports whether the service backing a request is ready to serve.
// *resolver.Resolver and *executor.Pool don't themselves need to satisfy
// this interface today (nothing currently makes them unready after
// startup), but dispatch.Dispatcher's readiness could grow one later.
type Checker interface {
	Ready() bool
}

// Handler returns an http.Handler for a health endpoint: OK once every
// checker reports ready, otherwise 503.
func Handler(checkers ...Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, c := range checkers {
			if !c.Ready() {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
}

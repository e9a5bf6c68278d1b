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

package health_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/projectcontour/cachegrpc/internal/health"
	"github.com/stretchr/testify/assert"
)

type fixedChecker bool

func (f fixedChecker) Ready() bool { return bool(f) }

func TestHandlerReturnsOKWhenAllReady(t *testing.T) {
	h := health.Handler(fixedChecker(true), fixedChecker(true))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandlerReturnsUnavailableWhenAnyNotReady(t *testing.T) {
	h := health.Handler(fixedChecker(true), fixedChecker(false))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandlerWithNoCheckersIsAlwaysReady(t *testing.T) {
	h := health.Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

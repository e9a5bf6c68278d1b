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

package config_test

import (
	"strings"
	"testing"

	"github.com/projectcontour/cachegrpc/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	p := config.Defaults()
	assert.NoError(t, p.Validate())
}

func TestParseEmptyYieldsDefaults(t *testing.T) {
	p, err := config.Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), *p)
}

func TestParseOverridesServerPort(t *testing.T) {
	p, err := config.Parse(strings.NewReader("server:\n  port: 9000\n"))
	require.NoError(t, err)
	assert.Equal(t, 9000, p.Server.Port)
	assert.Equal(t, config.Defaults().Events.BufferHighWater, p.Events.BufferHighWater)
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := config.Parse(strings.NewReader("bogus: true\n"))
	assert.Error(t, err)
}

func TestValidateRejectsBadPort(t *testing.T) {
	p := config.Defaults()
	p.Server.Port = 0
	assert.Error(t, p.Validate())
}

func TestGetenvOrFallback(t *testing.T) {
	assert.Equal(t, "fallback", config.GetenvOr("CACHEGRPC_UNSET_VAR", "fallback"))
}

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

// Package config holds the on-disk configuration file format for the
// cache access proxy server.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
)

// ServerParameters configures the gRPC listener (C1).
type ServerParameters struct {
	// Address the gRPC server listens on.
	Address string `yaml:"address,omitempty"`

	// Port the gRPC server listens on.
	Port int `yaml:"port,omitempty"`
}

// EventParameters bounds the event multiplexer's per-stream outbound
// buffer (C8); once it fills, the stream is closed with RESOURCE_EXHAUSTED
// rather than silently dropping notifications.
type EventParameters struct {
	// BufferHighWater is the number of queued notifications a subscriber
	// stream may hold before the proxy closes it.
	BufferHighWater int `yaml:"bufferHighWater,omitempty"`
}

// CursorParameters bounds the paged-iteration engine (C7).
type CursorParameters struct {
	// TransferThresholdBytes is the default page size used when a
	// NextPage request does not specify one.
	TransferThresholdBytes int64 `yaml:"transferThresholdBytes,omitempty"`
}

// ExecutorParameters sizes the dispatch worker pool (C6) that isolates
// handler bodies from gRPC transport goroutines.
type ExecutorParameters struct {
	// WorkerThreads is the number of goroutines draining the dispatch
	// queue. Zero means GOMAXPROCS.
	WorkerThreads int `yaml:"workerThreads,omitempty"`

	// QueueDepth is parsed and validated only; the executor pool's queue
	// capacity is fixed and does not read this value.
	QueueDepth int `yaml:"queueDepth,omitempty"`
}

// DebugParameters configures the optional pprof endpoint (C10).
type DebugParameters struct {
	Address string `yaml:"address,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// MetricsParameters configures the Prometheus metrics endpoint (C10).
type MetricsParameters struct {
	Address string `yaml:"address,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// HealthParameters configures the health-check endpoint (C10).
type HealthParameters struct {
	Address string `yaml:"address,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// Parameters contains the configuration file parameters for the cache
// access proxy server.
type Parameters struct {
	// Enable debug logging.
	Debug bool

	// DefaultScope names the scope applied to requests that do not
	// specify one (spec.md §4.4 rule 1).
	DefaultScope string `yaml:"defaultScope,omitempty"`

	Server   ServerParameters   `yaml:"server,omitempty"`
	Events   EventParameters    `yaml:"events,omitempty"`
	Cursor   CursorParameters   `yaml:"cursor,omitempty"`
	Executor ExecutorParameters `yaml:"executor,omitempty"`
	Pprof    DebugParameters    `yaml:"pprof,omitempty"`
	Metrics  MetricsParameters  `yaml:"metrics,omitempty"`
	Health   HealthParameters   `yaml:"health,omitempty"`
}

// Validate verifies that the parameter values do not have any syntax
// errors or out-of-range values.
func (p *Parameters) Validate() error {
	if p.Server.Port <= 0 {
		return fmt.Errorf("invalid server port %d", p.Server.Port)
	}
	if p.Events.BufferHighWater <= 0 {
		return fmt.Errorf("invalid event buffer high water %d", p.Events.BufferHighWater)
	}
	if p.Cursor.TransferThresholdBytes <= 0 {
		return fmt.Errorf("invalid cursor transfer threshold %d", p.Cursor.TransferThresholdBytes)
	}
	if p.Executor.QueueDepth < 0 {
		return fmt.Errorf("invalid executor queue depth %d", p.Executor.QueueDepth)
	}
	return nil
}

// Defaults returns the default set of parameters.
func Defaults() Parameters {
	return Parameters{
		Debug:        false,
		DefaultScope: "",
		Server: ServerParameters{
			Address: "0.0.0.0",
			Port:    8980,
		},
		Events: EventParameters{
			BufferHighWater: 1024,
		},
		Cursor: CursorParameters{
			TransferThresholdBytes: 512 * 1024,
		},
		Executor: ExecutorParameters{
			WorkerThreads: 0,
			QueueDepth:    256,
		},
		Pprof: DebugParameters{
			Address: "127.0.0.1",
			Port:    6060,
		},
		Metrics: MetricsParameters{
			Address: "0.0.0.0",
			Port:    8981,
		},
		Health: HealthParameters{
			Address: "0.0.0.0",
			Port:    8982,
		},
	}
}

// Parse reads parameters from a YAML input stream. Any parameters not
// specified by the input take the values from Defaults().
func Parse(in io.Reader) (*Parameters, error) {
	conf := Defaults()
	decoder := yaml.NewDecoder(in)
	decoder.SetStrict(true)

	if err := decoder.Decode(&conf); err != nil {
		if err != io.EOF {
			return nil, fmt.Errorf("failed to parse configuration: %w", err)
		}
	}

	return &conf, nil
}

// GetenvOr reads an environment variable or returns a default value.
func GetenvOr(key string, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

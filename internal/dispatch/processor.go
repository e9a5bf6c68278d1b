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

package dispatch

import (
	"bytes"
	"encoding/gob"

	"github.com/projectcontour/cachegrpc/internal/backend"
)

// ProcessorSpec is the wire format for invoke/invokeAll's opaque Processor
// bytes: a tagged variant, matching the "entry-processor polymorphism"
// design note applied uniformly to both point mutations (internal,
// backend.Processor) and client-invoked processors (spec.md §9). Callers
// gob-encode one with EncodeProcessor; there is no general custom-code
// execution path, only this fixed vocabulary.
type ProcessorSpec struct {
	Kind      backend.ProcessorKind
	Value     []byte
	Previous  []byte
	TTLMillis int64
}

func decodeProcessor(raw []byte) (backend.Processor, error) {
	var spec ProcessorSpec
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&spec); err != nil {
		return backend.Processor{}, err
	}
	return backend.Processor{
		Kind:      spec.Kind,
		Value:     spec.Value,
		Previous:  spec.Previous,
		TTLMillis: spec.TTLMillis,
	}, nil
}

func EncodeProcessor(spec ProcessorSpec) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(spec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

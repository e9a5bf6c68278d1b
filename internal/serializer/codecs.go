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

package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// JSONCodec encodes logical values as JSON; a reasonable stand-in for a
// "json" format client, per the §8 cross-format scenario.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(value any) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec) Decode(data []byte) (any, error) {
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func init() {
	// gob requires concrete types behind an interface{} to be registered
	// before they can cross the wire inside the box map below.
	gob.Register(map[string]any{})
	gob.Register([]byte{})
	gob.Register(string(""))
	gob.Register(float64(0))
	gob.Register(int64(0))
	gob.Register(bool(false))
	gob.Register([]any{})
}

// GobCodec is used as the backend's native format in this proxy's default
// configuration; it round-trips Go values without a schema.
type GobCodec struct{}

func (GobCodec) Name() string { return "gob" }

func (GobCodec) Encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	box := map[string]any{"v": value}
	if err := gob.NewEncoder(&buf).Encode(box); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte) (any, error) {
	var box map[string]any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&box); err != nil {
		return nil, err
	}
	return box["v"], nil
}

// NewDefaultRegistry registers the codecs this proxy ships with and
// designates "gob" as the backend's native format.
func NewDefaultRegistry() *Registry {
	reg := NewRegistry("gob")
	reg.Register(JSONCodec{})
	reg.Register(GobCodec{})
	return reg
}

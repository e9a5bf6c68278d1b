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

package wire

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with grpc's pluggable encoding.Codec registry
// (the same mechanism go-control-plane and grpc-go's own examples use to
// swap proto for something else) so messages never need a protoc step.
const CodecName = "cachewire"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec marshals wire messages with encoding/gob. It is registered under
// CodecName and selected by the client via grpc.CallContentSubtype; the
// server picks the same registered codec from each request's content
// subtype, so every RPC in this package bypasses protobuf entirely; the
// message structs in messages.go are the wire schema.
type gobCodec struct{}

func (gobCodec) Name() string { return CodecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

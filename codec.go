// codec.go: gRPC message codec for plugin services
//
// Plugin services are plain Go structs on the wire, encoded with msgpack.
// Protobuf messages (the health service) keep their native encoding so the
// same channel carries both.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content-subtype of the bridge codec.
const CodecName = "msgpack"

var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// msgpackCodec implements encoding.Codec.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecName }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode %T: %w", v, err)
	}
	return out, nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	if len(data) == 0 {
		return nil
	}
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(v); err != nil {
		return fmt.Errorf("msgpack decode %T: %w", v, err)
	}
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"

	"connectrpc.com/connect"
	"github.com/klauspost/compress/zstd"
)

const compressionZstd = "zstd"

// jsonCodec replaces connect's protobuf JSON codec with encoding/json, so the
// forward RPC carries plain Go structs.
type jsonCodec struct{}

var _ connect.Codec = jsonCodec{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// zstdDecoder adapts zstd.Decoder to connect.Decompressor. Connect pools
// decompressors and calls Close after every message, so Close must leave the
// decoder reusable.
type zstdDecoder struct {
	*zstd.Decoder
}

func (d *zstdDecoder) Close() error { return nil }

func newZstdDecompressor() connect.Decompressor {
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	return &zstdDecoder{Decoder: d}
}

func newZstdCompressor() connect.Compressor {
	e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	return e
}

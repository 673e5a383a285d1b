// Copyright © 2024 Genome Research Limited
//
//  This file is part of afsfys.
//
//  afsfys is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  afsfys is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with afsfys. If not, see <http://www.gnu.org/licenses/>.

package afsrpc

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype our messages are sent with.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("afsrpc: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("afsrpc: CBOR decoder initialization failed: " + err.Error())
	}
	encoding.RegisterCodec(codec{})
}

// codec implements encoding.Codec.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}

// CallOptions returns the options every call on a connection not made with
// Dial() needs.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(CodecName)}
}

// Dial connects (lazily) to an afsserver at target. Any supplied options are
// applied after our own, so they can add interceptors and the like.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dopts := []grpc.DialOption{
		grpc.WithInsecure(),
		grpc.WithDefaultCallOptions(CallOptions()...),
	}
	return grpc.Dial(target, append(dopts, opts...)...)
}

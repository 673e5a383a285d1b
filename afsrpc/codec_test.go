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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"google.golang.org/grpc/encoding"
)

func TestCodec(t *testing.T) {
	Convey("The cbor codec is registered with gRPC", t, func() {
		c := encoding.GetCodec(CodecName)
		So(c, ShouldNotBeNil)
		So(c.Name(), ShouldEqual, "cbor")

		Convey("It keeps binary content and negative errnos intact", func() {
			in := &FileContent{Name: "/a", Content: []byte{0, 1, 255}}
			b, err := c.Marshal(in)
			So(err, ShouldBeNil)
			out := &FileContent{}
			So(c.Unmarshal(b, out), ShouldBeNil)
			So(out, ShouldResemble, in)

			r := &Result{Err: -2}
			b, err = c.Marshal(r)
			So(err, ShouldBeNil)
			rout := &Result{}
			So(c.Unmarshal(b, rout), ShouldBeNil)
			So(rout.Err, ShouldEqual, -2)
		})
	})
}

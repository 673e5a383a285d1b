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

/*
Package afsrpc defines the messages and the gRPC service spoken between an
afsfys client and the remote store (see package afsserver).

Messages are plain structs encoded with CBOR; the codec is registered with
gRPC under the content-subtype "cbor", so connections must be made with
Dial() (or with CallOptions() added to every call).

Every reply carries an Err field holding a POSIX errno; 0 means success.
Transport level failures (eg. deadlines) are reported as gRPC errors instead.
*/
package afsrpc

// ChunkSize is the size of the FileContent payloads used when streaming whole
// files in either direction.
const ChunkSize = 1 << 20

// Path is a request that only needs a path.
type Path struct {
	Path string `cbor:"1,keyasint"`
}

// Attr is the remote equivalent of a stat(2) result.
type Attr struct {
	Ino       uint64 `cbor:"1,keyasint"`
	Mode      uint32 `cbor:"2,keyasint"`
	Nlink     uint64 `cbor:"3,keyasint"`
	UID       uint32 `cbor:"4,keyasint"`
	GID       uint32 `cbor:"5,keyasint"`
	Size      int64  `cbor:"6,keyasint"`
	Blksize   int64  `cbor:"7,keyasint"`
	Blocks    int64  `cbor:"8,keyasint"`
	Atime     int64  `cbor:"9,keyasint"`
	Mtime     int64  `cbor:"10,keyasint"`
	Ctime     int64  `cbor:"11,keyasint"`
	Atimensec int64  `cbor:"12,keyasint"`
	Mtimensec int64  `cbor:"13,keyasint"`
	Ctimensec int64  `cbor:"14,keyasint"`
	Err       int32  `cbor:"15,keyasint"`
}

// Dirent is one streamed directory entry. Type holds the DT_* value of the
// entry (ie. the S_IFMT bits shifted right by 12). A Dirent with a non-zero
// Err and no Name reports that the directory could not be listed.
type Dirent struct {
	Ino  uint64 `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
	Type uint32 `cbor:"3,keyasint"`
	Err  int32  `cbor:"4,keyasint"`
}

// OpenRequest is used for both Open and Create; Mode only matters for the
// latter.
type OpenRequest struct {
	Path  string `cbor:"1,keyasint"`
	Flags uint32 `cbor:"2,keyasint"`
	Mode  uint32 `cbor:"3,keyasint"`
}

// OpenResult is the reply to Open and Create.
type OpenResult struct {
	Fh  uint64 `cbor:"1,keyasint"`
	Err int32  `cbor:"2,keyasint"`
}

// ReadRequest asks for Size bytes at Offset of Path.
type ReadRequest struct {
	Path   string `cbor:"1,keyasint"`
	Size   uint32 `cbor:"2,keyasint"`
	Offset int64  `cbor:"3,keyasint"`
}

// ReadResult holds the bytes read; Bytes can be less than requested at EOF.
type ReadResult struct {
	Bytes  int32  `cbor:"1,keyasint"`
	Buffer []byte `cbor:"2,keyasint"`
	Err    int32  `cbor:"3,keyasint"`
}

// WriteRequest writes Buffer[:Size] at Offset of Path.
type WriteRequest struct {
	Path   string `cbor:"1,keyasint"`
	Size   uint32 `cbor:"2,keyasint"`
	Offset int64  `cbor:"3,keyasint"`
	Buffer []byte `cbor:"4,keyasint"`
}

// WriteResult is the reply to Write.
type WriteResult struct {
	Bytes int32 `cbor:"1,keyasint"`
	Err   int32 `cbor:"2,keyasint"`
}

// MkdirRequest creates directory Path.
type MkdirRequest struct {
	Path string `cbor:"1,keyasint"`
	Mode uint32 `cbor:"2,keyasint"`
}

// RenameRequest renames From to To, with renameat2(2) Flags.
type RenameRequest struct {
	From  string `cbor:"1,keyasint"`
	To    string `cbor:"2,keyasint"`
	Flags uint32 `cbor:"3,keyasint"`
}

// UtimensRequest sets the access and modification times of Path.
type UtimensRequest struct {
	Path      string `cbor:"1,keyasint"`
	Atime     int64  `cbor:"2,keyasint"`
	Atimensec int64  `cbor:"3,keyasint"`
	Mtime     int64  `cbor:"4,keyasint"`
	Mtimensec int64  `cbor:"5,keyasint"`
}

// MknodRequest makes a special file.
type MknodRequest struct {
	Path string `cbor:"1,keyasint"`
	Mode uint32 `cbor:"2,keyasint"`
	Rdev uint64 `cbor:"3,keyasint"`
}

// FileContent is one chunk of a streamed file. Name is the remote path of the
// file the chunk belongs to.
type FileContent struct {
	Name    string `cbor:"1,keyasint"`
	Content []byte `cbor:"2,keyasint"`
}

// Result is the reply of calls that only report success or an errno.
type Result struct {
	Err int32 `cbor:"1,keyasint"`
}

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

// This file holds the client and server halves of the afsfys.AFS service.

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "afsfys.AFS"

// AFSClient is the client API of the afsfys.AFS service.
type AFSClient interface {
	GetAttr(ctx context.Context, in *Path, opts ...grpc.CallOption) (*Attr, error)
	ReadDir(ctx context.Context, in *Path, opts ...grpc.CallOption) (ReadDirClient, error)
	Open(ctx context.Context, in *OpenRequest, opts ...grpc.CallOption) (*OpenResult, error)
	Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResult, error)
	Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResult, error)
	Create(ctx context.Context, in *OpenRequest, opts ...grpc.CallOption) (*OpenResult, error)
	Mkdir(ctx context.Context, in *MkdirRequest, opts ...grpc.CallOption) (*Result, error)
	Rmdir(ctx context.Context, in *Path, opts ...grpc.CallOption) (*Result, error)
	Unlink(ctx context.Context, in *Path, opts ...grpc.CallOption) (*Result, error)
	Rename(ctx context.Context, in *RenameRequest, opts ...grpc.CallOption) (*Result, error)
	Utimens(ctx context.Context, in *UtimensRequest, opts ...grpc.CallOption) (*Result, error)
	Mknod(ctx context.Context, in *MknodRequest, opts ...grpc.CallOption) (*Result, error)
	GetFile(ctx context.Context, in *Path, opts ...grpc.CallOption) (GetFileClient, error)
	PutFile(ctx context.Context, opts ...grpc.CallOption) (PutFileClient, error)
}

// ReadDirClient receives the entries of a directory.
type ReadDirClient interface {
	Recv() (*Dirent, error)
	grpc.ClientStream
}

// GetFileClient receives the chunks of a downloaded file.
type GetFileClient interface {
	Recv() (*FileContent, error)
	grpc.ClientStream
}

// PutFileClient sends the chunks of an uploaded file.
type PutFileClient interface {
	Send(*FileContent) error
	CloseAndRecv() (*Result, error)
	grpc.ClientStream
}

type afsClient struct {
	cc grpc.ClientConnInterface
}

// NewAFSClient returns an AFSClient using the given connection, which should
// have been made with Dial().
func NewAFSClient(cc grpc.ClientConnInterface) AFSClient {
	return &afsClient{cc}
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

func (c *afsClient) GetAttr(ctx context.Context, in *Path, opts ...grpc.CallOption) (*Attr, error) {
	out := new(Attr)
	return out, c.cc.Invoke(ctx, fullMethod("GetAttr"), in, out, opts...)
}

func (c *afsClient) Open(ctx context.Context, in *OpenRequest, opts ...grpc.CallOption) (*OpenResult, error) {
	out := new(OpenResult)
	return out, c.cc.Invoke(ctx, fullMethod("Open"), in, out, opts...)
}

func (c *afsClient) Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResult, error) {
	out := new(ReadResult)
	return out, c.cc.Invoke(ctx, fullMethod("Read"), in, out, opts...)
}

func (c *afsClient) Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResult, error) {
	out := new(WriteResult)
	return out, c.cc.Invoke(ctx, fullMethod("Write"), in, out, opts...)
}

func (c *afsClient) Create(ctx context.Context, in *OpenRequest, opts ...grpc.CallOption) (*OpenResult, error) {
	out := new(OpenResult)
	return out, c.cc.Invoke(ctx, fullMethod("Create"), in, out, opts...)
}

func (c *afsClient) Mkdir(ctx context.Context, in *MkdirRequest, opts ...grpc.CallOption) (*Result, error) {
	out := new(Result)
	return out, c.cc.Invoke(ctx, fullMethod("Mkdir"), in, out, opts...)
}

func (c *afsClient) Rmdir(ctx context.Context, in *Path, opts ...grpc.CallOption) (*Result, error) {
	out := new(Result)
	return out, c.cc.Invoke(ctx, fullMethod("Rmdir"), in, out, opts...)
}

func (c *afsClient) Unlink(ctx context.Context, in *Path, opts ...grpc.CallOption) (*Result, error) {
	out := new(Result)
	return out, c.cc.Invoke(ctx, fullMethod("Unlink"), in, out, opts...)
}

func (c *afsClient) Rename(ctx context.Context, in *RenameRequest, opts ...grpc.CallOption) (*Result, error) {
	out := new(Result)
	return out, c.cc.Invoke(ctx, fullMethod("Rename"), in, out, opts...)
}

func (c *afsClient) Utimens(ctx context.Context, in *UtimensRequest, opts ...grpc.CallOption) (*Result, error) {
	out := new(Result)
	return out, c.cc.Invoke(ctx, fullMethod("Utimens"), in, out, opts...)
}

func (c *afsClient) Mknod(ctx context.Context, in *MknodRequest, opts ...grpc.CallOption) (*Result, error) {
	out := new(Result)
	return out, c.cc.Invoke(ctx, fullMethod("Mknod"), in, out, opts...)
}

// serverStream opens a stream for a method that takes one request and
// streams back the reply.
func (c *afsClient) serverStream(ctx context.Context, desc *grpc.StreamDesc, in interface{}, opts []grpc.CallOption) (grpc.ClientStream, error) {
	stream, err := c.cc.NewStream(ctx, desc, fullMethod(desc.StreamName), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *afsClient) ReadDir(ctx context.Context, in *Path, opts ...grpc.CallOption) (ReadDirClient, error) {
	stream, err := c.serverStream(ctx, &serviceDesc.Streams[0], in, opts)
	if err != nil {
		return nil, err
	}
	return &readDirClient{stream}, nil
}

type readDirClient struct {
	grpc.ClientStream
}

func (x *readDirClient) Recv() (*Dirent, error) {
	m := new(Dirent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *afsClient) GetFile(ctx context.Context, in *Path, opts ...grpc.CallOption) (GetFileClient, error) {
	stream, err := c.serverStream(ctx, &serviceDesc.Streams[1], in, opts)
	if err != nil {
		return nil, err
	}
	return &getFileClient{stream}, nil
}

type getFileClient struct {
	grpc.ClientStream
}

func (x *getFileClient) Recv() (*FileContent, error) {
	m := new(FileContent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *afsClient) PutFile(ctx context.Context, opts ...grpc.CallOption) (PutFileClient, error) {
	desc := &serviceDesc.Streams[2]
	stream, err := c.cc.NewStream(ctx, desc, fullMethod(desc.StreamName), opts...)
	if err != nil {
		return nil, err
	}
	return &putFileClient{stream}, nil
}

type putFileClient struct {
	grpc.ClientStream
}

func (x *putFileClient) Send(m *FileContent) error {
	return x.ClientStream.SendMsg(m)
}

func (x *putFileClient) CloseAndRecv() (*Result, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(Result)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AFSServer is the server API of the afsfys.AFS service.
type AFSServer interface {
	GetAttr(context.Context, *Path) (*Attr, error)
	ReadDir(*Path, ReadDirServer) error
	Open(context.Context, *OpenRequest) (*OpenResult, error)
	Read(context.Context, *ReadRequest) (*ReadResult, error)
	Write(context.Context, *WriteRequest) (*WriteResult, error)
	Create(context.Context, *OpenRequest) (*OpenResult, error)
	Mkdir(context.Context, *MkdirRequest) (*Result, error)
	Rmdir(context.Context, *Path) (*Result, error)
	Unlink(context.Context, *Path) (*Result, error)
	Rename(context.Context, *RenameRequest) (*Result, error)
	Utimens(context.Context, *UtimensRequest) (*Result, error)
	Mknod(context.Context, *MknodRequest) (*Result, error)
	GetFile(*Path, GetFileServer) error
	PutFile(PutFileServer) error
}

// ReadDirServer sends directory entries.
type ReadDirServer interface {
	Send(*Dirent) error
	grpc.ServerStream
}

// GetFileServer sends the chunks of a file.
type GetFileServer interface {
	Send(*FileContent) error
	grpc.ServerStream
}

// PutFileServer receives the chunks of a file.
type PutFileServer interface {
	SendAndClose(*Result) error
	Recv() (*FileContent, error)
	grpc.ServerStream
}

// RegisterAFSServer registers srv with s.
func RegisterAFSServer(s grpc.ServiceRegistrar, srv AFSServer) {
	s.RegisterService(&serviceDesc, srv)
}

// unary builds the MethodDesc of a unary method from the corresponding
// AFSServer method expression.
func unary[Req, Resp any](name string, call func(AFSServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AFSServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AFSServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type serverStream[T any] struct {
	grpc.ServerStream
}

func (x *serverStream[T]) Send(m *T) error {
	return x.ServerStream.SendMsg(m)
}

func readDirHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(Path)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(AFSServer).ReadDir(m, &serverStream[Dirent]{stream})
}

func getFileHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(Path)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(AFSServer).GetFile(m, &serverStream[FileContent]{stream})
}

type putFileServer struct {
	grpc.ServerStream
}

func (x *putFileServer) SendAndClose(m *Result) error {
	return x.ServerStream.SendMsg(m)
}

func (x *putFileServer) Recv() (*FileContent, error) {
	m := new(FileContent)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func putFileHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(AFSServer).PutFile(&putFileServer{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AFSServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetAttr", AFSServer.GetAttr),
		unary("Open", AFSServer.Open),
		unary("Read", AFSServer.Read),
		unary("Write", AFSServer.Write),
		unary("Create", AFSServer.Create),
		unary("Mkdir", AFSServer.Mkdir),
		unary("Rmdir", AFSServer.Rmdir),
		unary("Unlink", AFSServer.Unlink),
		unary("Rename", AFSServer.Rename),
		unary("Utimens", AFSServer.Utimens),
		unary("Mknod", AFSServer.Mknod),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ReadDir",
			Handler:       readDirHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "GetFile",
			Handler:       getFileHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "PutFile",
			Handler:       putFileHandler,
			ClientStreams: true,
		},
	},
	Metadata: "afsfys.proto",
}

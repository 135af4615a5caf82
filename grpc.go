// grpc.go: Hand-written gRPC service descriptors and stubs for plugin services
//
// Plugin services do not need generated code: a service is described with
// NewService plus Unary / Stream entries, messages are Go structs carried by
// the msgpack codec, and host stubs call Invoke or OpenStream.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"context"
	"errors"

	goerrors "github.com/agilira/go-errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceBuilder accumulates the methods of one gRPC service.
type ServiceBuilder struct {
	desc grpc.ServiceDesc
}

// NewService starts a service descriptor. name is both the gRPC service
// name and the logical name used by Init and Dispense.
func NewService(name string) *ServiceBuilder {
	return &ServiceBuilder{desc: grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*any)(nil),
		Metadata:    name,
	}}
}

// Name returns the service name.
func (b *ServiceBuilder) Name() string { return b.desc.ServiceName }

// Desc returns the grpc.ServiceDesc built so far.
func (b *ServiceBuilder) Desc() *grpc.ServiceDesc { return &b.desc }

// Register adds the service to registrar.
func (b *ServiceBuilder) Register(registrar grpc.ServiceRegistrar) {
	desc := b.desc
	registrar.RegisterService(&desc, struct{}{})
}

// FullMethod returns "/Service/Method".
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// Unary adds a unary method to b.
func Unary[Req, Resp any](b *ServiceBuilder, method string, fn func(context.Context, *Req) (*Resp, error)) *ServiceBuilder {
	fullMethod := FullMethod(b.desc.ServiceName, method)
	b.desc.Methods = append(b.desc.Methods, grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	})
	return b
}

// Stream adds a streaming method to b. Set clientStreams and serverStreams
// for the directions that carry more than one message.
func Stream(b *ServiceBuilder, method string, clientStreams, serverStreams bool, fn func(grpc.ServerStream) error) *ServiceBuilder {
	b.desc.Streams = append(b.desc.Streams, grpc.StreamDesc{
		StreamName: method,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return fn(stream)
		},
		ClientStreams: clientStreams,
		ServerStreams: serverStreams,
	})
	return b
}

// Invoke performs a unary call on cc using the bridge codec.
func Invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, req *Req) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, FullMethod(service, method), req, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, FromRPCError(err)
	}
	return out, nil
}

// OpenStream opens a streaming call on cc using the bridge codec.
func OpenStream(ctx context.Context, cc grpc.ClientConnInterface, service, method string, clientStreams, serverStreams bool) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{
		StreamName:    method,
		ClientStreams: clientStreams,
		ServerStreams: serverStreams,
	}
	stream, err := cc.NewStream(ctx, desc, FullMethod(service, method), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, FromRPCError(err)
	}
	return stream, nil
}

// ToRPCError converts a structured error into a gRPC status so its kind
// survives the wire. Status errors and nil pass through.
func ToRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var bridgeErr *goerrors.Error
	if !errors.As(err, &bridgeErr) {
		return status.Error(codes.Unknown, err.Error())
	}

	switch {
	case IsInvalidConfigurationError(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case IsInvalidStateError(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	case IsNotFoundError(err):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// FromRPCError maps a gRPC status returned by a plugin back to the bridge
// error kinds. Statuses with no bridge meaning are returned as is.
func FromRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.FailedPrecondition:
		return goerrors.Wrap(err, ErrCodeInvalidState, "Operation not allowed in current state").
			WithUserMessage("The plugin is not in a state that accepts this call").
			WithSeverity("error")
	case codes.InvalidArgument:
		return NewInvalidConfigurationError(st.Message(), err)
	case codes.NotFound:
		return goerrors.Wrap(err, ErrCodeNotFound, st.Message()).
			WithSeverity("warning")
	case codes.Unavailable:
		return NewTransportError("plugin unavailable", err).AsRetryable()
	default:
		return err
	}
}

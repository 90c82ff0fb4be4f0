// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

// Package procworker runs plug code in a child process managed by HashiCorp
// go-plugin. Frames travel over one bidirectional gRPC stream, encoded with
// the same JSON codec the in-process worker uses.
package procworker

import (
	"context"
	"errors"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/plugos/plugos/pkg/protocol"
)

// HandshakeConfig is shared by host and worker binaries.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGOS_WORKER",
	MagicCookieValue: "plugos-worker-v1",
}

const (
	pluginName    = "worker"
	codecName     = "plugos-frame"
	serviceName   = "plugos.worker.v1.Worker"
	channelMethod = "/" + serviceName + "/Channel"
)

func init() {
	encoding.RegisterCodec(frameCodec{})
}

// frameCodec moves protocol frames as JSON. It is selected per call by
// content subtype, so go-plugin's own protobuf services are unaffected.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*protocol.Frame)
	if !ok {
		return nil, errors.New("procworker: codec can only marshal *protocol.Frame")
	}
	return protocol.Encode(*f)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*protocol.Frame)
	if !ok {
		return errors.New("procworker: codec can only unmarshal into *protocol.Frame")
	}
	decoded, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	*f = decoded
	return nil
}

func (frameCodec) Name() string { return codecName }

// channelServer is implemented by the worker side of the stream.
type channelServer interface {
	Channel(stream grpc.ServerStream) error
}

func channelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(channelServer).Channel(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*channelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       channelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "plugos/worker/v1/worker.proto",
}

// RegisterChannelServer registers the frame channel on s.
func RegisterChannelServer(s grpc.ServiceRegistrar, srv channelServer) {
	s.RegisterService(&serviceDesc, srv)
}

// openChannel starts the frame stream on conn.
func openChannel(ctx context.Context, conn grpc.ClientConnInterface) (grpc.ClientStream, error) {
	return conn.NewStream(ctx, &serviceDesc.Streams[0], channelMethod, grpc.CallContentSubtype(codecName))
}

// workerPlugin adapts the channel to go-plugin's Plugin interface.
type workerPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	// impl is only set in the worker process.
	impl channelServer
}

// GRPCServer registers the channel (called by the worker process).
func (p *workerPlugin) GRPCServer(_ *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.impl == nil {
		return errors.New("procworker: worker implementation is nil")
	}
	RegisterChannelServer(s, p.impl)
	return nil
}

// GRPCClient hands the raw connection to the host.
func (p *workerPlugin) GRPCClient(_ context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (any, error) {
	return c, nil
}

func pluginSet(impl channelServer) map[string]hashiplug.Plugin {
	return map[string]hashiplug.Plugin{
		pluginName: &workerPlugin{impl: impl},
	}
}

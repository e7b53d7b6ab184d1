package graphstream

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/worldlock/internal/anchor"
	"github.com/banshee-data/worldlock/internal/monitoring"
)

const (
	ServiceName        = "worldlock.AnchorGraph"
	StreamGraphsMethod = "/" + ServiceName + "/StreamGraphs"

	// ClientIDHeader carries the client's self-assigned id.
	ClientIDHeader = "x-worldlock-client-id"
)

// AnchorGraphServer is the server side of worldlock.AnchorGraph.
type AnchorGraphServer interface {
	// StreamGraphs sends snapshots until the client goes away. Request
	// keys: "every" (send every Nth frame, default 1) and "send_latest"
	// (send the current snapshot immediately, default true).
	StreamGraphs(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes worldlock.AnchorGraph for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AnchorGraphServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamGraphs",
			Handler:       streamGraphsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "worldlock/anchor_graph.proto",
}

func streamGraphsHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(AnchorGraphServer).StreamGraphs(req, stream)
}

var _ AnchorGraphServer = (*Publisher)(nil)

// StreamGraphs implements AnchorGraphServer.
func (p *Publisher) StreamGraphs(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	opts := req.AsMap()

	every := uint64(1)
	if v, ok := opts["every"].(float64); ok && v >= 1 {
		every = uint64(v)
	}
	sendLatest := true
	if v, ok := opts["send_latest"].(bool); ok {
		sendLatest = v
	}

	var id string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(ClientIDHeader); len(ids) > 0 {
			id = ids[0]
		}
	}
	client, ok := p.addClient(id, every)
	if !ok {
		return status.Errorf(codes.ResourceExhausted, "too many clients (max %d)", p.config.MaxClients)
	}
	defer p.removeClient(client.id)

	send := func(snap *anchor.Snapshot) error {
		msg, err := EncodeSnapshot(snap)
		if err != nil {
			monitoring.Logf("[GraphStream] %s: %v", client.id, err)
			return status.Error(codes.Internal, err.Error())
		}
		return stream.SendMsg(msg)
	}

	if sendLatest {
		if snap := p.latest.Load(); snap != nil {
			if err := send(snap); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return status.Error(codes.Unavailable, "server stopping")
		case snap := <-client.snapCh:
			if err := send(snap); err != nil {
				return err
			}
		}
	}
}

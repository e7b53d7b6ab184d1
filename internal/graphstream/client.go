package graphstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/worldlock/internal/anchor"
)

// StreamOptions is the StreamGraphs request.
type StreamOptions struct {
	// Every sends only frames whose number is a multiple of Every.
	Every int
	// SkipLatest suppresses the snapshot sent on connect.
	SkipLatest bool
}

func (o StreamOptions) request() (*structpb.Struct, error) {
	every := o.Every
	if every < 1 {
		every = 1
	}
	return structpb.NewStruct(map[string]interface{}{
		"every":       every,
		"send_latest": !o.SkipLatest,
	})
}

// Client consumes worldlock.AnchorGraph.
type Client struct {
	id   string
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c := NewClient(conn)
	c.own = true
	return c, nil
}

// NewClient wraps an existing connection; Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{id: uuid.NewString(), conn: conn}
}

// ID is sent to the server in the ClientIDHeader metadata.
func (c *Client) ID() string { return c.id }

// Stream calls fn for every snapshot until ctx is done, the server ends the
// stream or fn returns an error. A clean end of stream returns nil.
func (c *Client) Stream(ctx context.Context, opts StreamOptions, fn func(*anchor.Snapshot) error) error {
	req, err := opts.request()
	if err != nil {
		return err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, ClientIDHeader, c.id)
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], StreamGraphsMethod)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		snap, err := DecodeSnapshot(msg)
		if err != nil {
			return err
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

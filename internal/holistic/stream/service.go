// Package stream serves pipeline events to remote viewers over gRPC.
//
// The service is declared in Go rather than generated: requests and
// responses are google.protobuf.Struct messages, so any gRPC client can call
// it with the well-known types alone.
//
//	service holistic.v1.Predictions {
//	  rpc Watch(google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
package stream

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/holistic.report/internal/holistic/l5inference"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "holistic.v1.Predictions"
	// WatchMethod is the full method path of the Watch stream.
	WatchMethod = "/" + ServiceName + "/Watch"
)

// PredictionsServer is the server API for the Predictions service.
type PredictionsServer interface {
	Watch(req *structpb.Struct, stream WatchStream) error
}

// WatchStream is the server side of a Watch call.
type WatchStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type watchStream struct {
	grpc.ServerStream
}

func (s *watchStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(PredictionsServer).Watch(req, &watchStream{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PredictionsServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "holistic/v1/predictions.proto",
}

// RegisterPredictionsServer registers srv on s.
func RegisterPredictionsServer(s grpc.ServiceRegistrar, srv PredictionsServer) {
	s.RegisterService(&serviceDesc, srv)
}

// WatchClient receives events from a Watch call.
type WatchClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type watchClient struct {
	grpc.ClientStream
}

func (c *watchClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Watch opens a Watch stream on cc.
func Watch(ctx context.Context, cc grpc.ClientConnInterface, req *structpb.Struct, opts ...grpc.CallOption) (WatchClient, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	cs, err := cc.NewStream(ctx, &serviceDesc.Streams[0], WatchMethod, opts...)
	if err != nil {
		return nil, err
	}
	c := &watchClient{cs}
	if err := c.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return c, nil
}

// EventStruct converts a pipeline event to its wire form.
func EventStruct(ev l5inference.Event) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"kind":       string(ev.Kind),
		"session_id": ev.SessionID.String(),
		"at":         ev.At.UTC().Format(time.RFC3339Nano),
	}
	if p := ev.Prediction; p != nil {
		pm := map[string]interface{}{
			"snapshot_id": p.SnapshotID.String(),
			"index":       p.Index,
			"confidence":  p.Confidence,
			"first_ts":    int64(p.First),
			"last_ts":     int64(p.Last),
			"latency_ms":  float64(p.Latency) / float64(time.Millisecond),
			"match":       p.Match,
		}
		if p.Label != "" {
			pm["label"] = p.Label
		}
		if p.Err != "" {
			pm["error"] = p.Err
		}
		if p.Target != "" {
			pm["target"] = p.Target
		}
		m["prediction"] = pm
	}
	if tl := ev.TrackingLost; tl != nil {
		m["tracking_lost"] = map[string]interface{}{
			"ts":        int64(tl.Timestamp),
			"quality":   tl.Quality,
			"threshold": tl.Threshold,
			"discarded": tl.Discarded,
		}
	}
	return structpb.NewStruct(m)
}

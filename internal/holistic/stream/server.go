package stream

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/holistic.report/internal/holistic/l5inference"
	"github.com/banshee-data/holistic.report/internal/monitoring"
)

// DefaultListenAddr is the default gRPC listen address.
const DefaultListenAddr = ":50061"

const stopGrace = 2 * time.Second

var logf = monitoring.Component("Stream")

// Source is where the server gets events from; the pipeline controller
// satisfies it.
type Source interface {
	Subscribe(buffer int) (<-chan l5inference.Event, func())
	Latest() *l5inference.Prediction
}

// Config contains configuration for the stream server.
type Config struct {
	ListenAddr   string // (default: DefaultListenAddr)
	ClientBuffer int    // per-client event buffer (default: 64)
}

// Server streams pipeline events to gRPC clients.
type Server struct {
	config Config
	source Source

	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup

	clients atomic.Int64
	sent    atomic.Uint64
}

// NewServer creates a stopped server reading from source.
func NewServer(source Source, cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 64
	}
	s := &Server{config: cfg, source: source}
	s.server = grpc.NewServer()
	s.health = health.NewServer()
	RegisterPredictionsServer(s.server, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("stream server already running")
	}
	s.listener = lis
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logf("gRPC server listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks the service as not serving and stops the server. Watch
// streams still open after the grace period are cut.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.server.Stop()
		<-done
	}
	s.wg.Wait()
	logf("gRPC server stopped (%d events sent)", s.sent.Load())
}

// Clients returns the number of connected Watch streams.
func (s *Server) Clients() int64 { return s.clients.Load() }

// Watch streams events until the client goes away or the source closes.
//
// Request fields (all optional):
//
//	kinds:  list of event kinds to receive (default: all)
//	latest: send the current prediction first, if there is one
func (s *Server) Watch(req *structpb.Struct, stream WatchStream) error {
	filter, err := parseKinds(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	events, cancel := s.source.Subscribe(s.config.ClientBuffer)
	defer cancel()
	s.clients.Add(1)
	defer s.clients.Add(-1)

	if req.GetFields()["latest"].GetBoolValue() && filter.allows(l5inference.EventPrediction) {
		if p := s.source.Latest(); p != nil {
			ev := l5inference.Event{Kind: l5inference.EventPrediction, SessionID: p.SessionID, At: p.At, Prediction: p}
			if err := s.send(stream, ev); err != nil {
				return err
			}
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !filter.allows(ev.Kind) {
				continue
			}
			if err := s.send(stream, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Server) send(stream WatchStream, ev l5inference.Event) error {
	msg, err := EventStruct(ev)
	if err != nil {
		return status.Errorf(codes.Internal, "encode event: %v", err)
	}
	if err := stream.Send(msg); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

type kindFilter map[l5inference.EventKind]bool

func (f kindFilter) allows(k l5inference.EventKind) bool {
	return len(f) == 0 || f[k]
}

func parseKinds(req *structpb.Struct) (kindFilter, error) {
	v, ok := req.GetFields()["kinds"]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, errors.New("kinds must be a list")
	}
	f := kindFilter{}
	for _, item := range list.GetValues() {
		k := l5inference.EventKind(item.GetStringValue())
		switch k {
		case l5inference.EventPrediction, l5inference.EventTrackingLost,
			l5inference.EventSessionStarted, l5inference.EventSessionStopped:
			f[k] = true
		default:
			return nil, fmt.Errorf("unknown event kind %q", k)
		}
	}
	return f, nil
}

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"livegrid/internal/core/domain"
	"livegrid/internal/infrastructure/broadcast"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName     = "livegrid.v1.StreamEvents"
	subscribeMethod = "/" + ServiceName + "/Subscribe"

	defaultQueueSize = 64
)

var errQueueFull = errors.New("subscriber queue full")

// StreamEventsServer is the server API for livegrid.v1.StreamEvents.
type StreamEventsServer interface {
	Subscribe(req *wrapperspb.StringValue, stream grpc.ServerStream) error
}

// ServiceDesc describes a single server-streaming method whose request is a
// google.protobuf.StringValue stream id and whose responses are
// google.protobuf.Struct event frames.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StreamEventsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "livegrid/v1/stream_events.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(StreamEventsServer).Subscribe(req, stream)
}

// RegisterStreamEventsServer registers srv on s.
func RegisterStreamEventsServer(s grpc.ServiceRegistrar, srv StreamEventsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// StreamLookup reads a stream for subscribe-time checks.
type StreamLookup interface {
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
}

// EventStreamServer serves one registry subscription per Subscribe call.
type EventStreamServer struct {
	registry  *broadcast.Registry
	streams   StreamLookup
	logger    *zap.SugaredLogger
	queueSize int
	nextID    atomic.Uint64
}

// NewEventStreamServer creates the StreamEvents service backed by registry.
func NewEventStreamServer(registry *broadcast.Registry, streams StreamLookup, logger *zap.SugaredLogger, queueSize int) *EventStreamServer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &EventStreamServer{
		registry:  registry,
		streams:   streams,
		logger:    logger,
		queueSize: queueSize,
	}
}

// Subscribe streams events for one stream. It ends with OK after the stream's
// terminal event, with Unavailable if the caller fell too far behind, and
// with the caller's cancellation otherwise.
func (s *EventStreamServer) Subscribe(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	id := domain.StreamID(req.GetValue())
	if id == "" {
		return status.Error(codes.InvalidArgument, "stream id is required")
	}

	ctx := stream.Context()
	current, err := s.streams.GetByID(ctx, id)
	if errors.Is(err, domain.ErrStreamNotFound) {
		return status.Errorf(codes.NotFound, "stream %s not found", id)
	}
	if err != nil {
		s.logger.Warnw("stream lookup failed", "stream_id", id, "error", err)
		return status.Error(codes.Internal, "stream lookup failed")
	}
	if current.Status.Terminal() {
		return status.Errorf(codes.FailedPrecondition, "stream %s is %s", id, current.Status)
	}

	sub := &subscriber{
		id:      fmt.Sprintf("grpc_%d", s.nextID.Add(1)),
		scope:   id,
		events:  make(chan domain.StreamEvent, s.queueSize),
		evicted: make(chan broadcast.EvictReason, 1),
	}
	s.registry.Add(sub)
	defer s.registry.Remove(sub.id)

	if err := s.recheck(ctx, id, sub); err != nil {
		return err
	}

	s.logger.Debugw("grpc subscriber attached", "stream_id", id, "subscriber_id", sub.id)

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case ev := <-sub.events:
			if err := sendEvent(stream, ev); err != nil {
				return err
			}
		case reason := <-sub.evicted:
			if reason != broadcast.ReasonStreamStopped {
				return status.Error(codes.Unavailable, "subscriber fell behind")
			}
			// The terminal event is queued ahead of the eviction; flush it.
			for {
				select {
				case ev := <-sub.events:
					if err := sendEvent(stream, ev); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

// recheck covers a terminal event published between the first lookup and
// Add, which sub never saw. Lookup failures keep the subscription.
func (s *EventStreamServer) recheck(ctx context.Context, id domain.StreamID, sub *subscriber) error {
	latest, err := s.streams.GetByID(ctx, id)
	gone := errors.Is(err, domain.ErrStreamNotFound)
	if !gone && (err != nil || !latest.Status.Terminal()) {
		return nil
	}
	if len(sub.evicted) > 0 {
		// The terminal event did reach sub; the loop delivers it.
		return nil
	}
	if gone {
		return status.Errorf(codes.NotFound, "stream %s not found", id)
	}
	return status.Errorf(codes.FailedPrecondition, "stream %s is %s", id, latest.Status)
}

func sendEvent(stream grpc.ServerStream, ev domain.StreamEvent) error {
	frame, err := EventToStruct(ev)
	if err != nil {
		return status.Errorf(codes.Internal, "encode event: %v", err)
	}
	return stream.SendMsg(frame)
}

type subscriber struct {
	id      string
	scope   domain.StreamID
	events  chan domain.StreamEvent
	evicted chan broadcast.EvictReason
}

func (s *subscriber) ID() string             { return s.id }
func (s *subscriber) Scope() domain.StreamID { return s.scope }

func (s *subscriber) Deliver(ev domain.StreamEvent) error {
	select {
	case s.events <- ev:
		return nil
	default:
		return errQueueFull
	}
}

func (s *subscriber) Evict(reason broadcast.EvictReason) {
	select {
	case s.evicted <- reason:
	default:
	}
}

// EventToStruct encodes an event as the same JSON document the event bus
// publishes, carried in a google.protobuf.Struct.
func EventToStruct(ev domain.StreamEvent) (*structpb.Struct, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// EventFromStruct decodes a frame produced by EventToStruct.
func EventFromStruct(frame *structpb.Struct) (domain.StreamEvent, error) {
	var ev domain.StreamEvent
	data, err := protojson.Marshal(frame)
	if err != nil {
		return ev, err
	}
	err = json.Unmarshal(data, &ev)
	return ev, err
}

// EventStream is the client side of a Subscribe call.
type EventStream struct {
	stream grpc.ClientStream
}

// SubscribeEvents opens a Subscribe call for streamID on conn.
func SubscribeEvents(ctx context.Context, conn grpc.ClientConnInterface, streamID domain.StreamID) (*EventStream, error) {
	cs, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(wrapperspb.String(string(streamID))); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: cs}, nil
}

// Recv blocks for the next event. io.EOF marks a clean end after the
// terminal event; other errors carry the server's status.
func (e *EventStream) Recv() (domain.StreamEvent, error) {
	frame := new(structpb.Struct)
	if err := e.stream.RecvMsg(frame); err != nil {
		return domain.StreamEvent{}, err
	}
	return EventFromStruct(frame)
}

package visualiser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/overlay"
)

const (
	serviceName      = "quadtrack.visualiser.OverlayService"
	streamMethodName = "StreamOverlays"

	// StreamMethod is the full gRPC method path.
	StreamMethod = "/" + serviceName + "/" + streamMethodName
)

// OverlayServer is the server side of the overlay service. Requests and
// responses are google.protobuf.Struct so viewers need no generated code.
type OverlayServer interface {
	StreamOverlays(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*OverlayServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    streamMethodName,
		Handler:       streamOverlaysHandler,
		ServerStreams: true,
	}},
	Metadata: "quadtrack/visualiser/overlay.proto",
}

func streamOverlaysHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(OverlayServer).StreamOverlays(req, stream)
}

// streamFilter holds the per-client request options.
type streamFilter struct {
	// IncludeTerminal keeps paths of tracks that just ended.
	IncludeTerminal bool `json:"include_terminal"`
	// MinConfidence hides paths below this confidence.
	MinConfidence float64 `json:"min_confidence"`
}

func filterFrom(req *structpb.Struct) (streamFilter, error) {
	f := streamFilter{IncludeTerminal: true}
	if req == nil {
		return f, nil
	}
	raw, err := req.MarshalJSON()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, err
	}
	if f.MinConfidence < 0 || f.MinConfidence > 1 {
		return f, fmt.Errorf("min_confidence %v outside [0,1]", f.MinConfidence)
	}
	return f, nil
}

func (f streamFilter) apply(b overlay.Batch) overlay.Batch {
	if f.IncludeTerminal && f.MinConfidence == 0 {
		return b
	}
	kept := make([]overlay.Path, 0, len(b.Paths))
	for _, p := range b.Paths {
		if p.Terminal && !f.IncludeTerminal {
			continue
		}
		if p.Confidence < f.MinConfidence {
			continue
		}
		kept = append(kept, p)
	}
	b.Paths = kept
	return b
}

// overlayService adapts a Publisher to OverlayServer.
type overlayService struct {
	publisher *Publisher
}

func (s *overlayService) StreamOverlays(req *structpb.Struct, stream grpc.ServerStream) error {
	filter, err := filterFrom(req)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "bad stream request: %v", err)
	}
	c := s.publisher.addClient(filter)
	if c == nil {
		return status.Error(codes.ResourceExhausted, "too many overlay clients")
	}
	defer s.publisher.removeClient(c.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.stopCh:
			return nil
		case b := <-c.batchCh:
			msg, err := EncodeBatch(c.filter.apply(b))
			if err != nil {
				opsf("encode batch for frame %d: %v", b.FrameSeq, err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				diagf("client %d send error: %v", c.id, err)
				return err
			}
		}
	}
}

// Wire forms. Struct numbers are float64, so timestamps travel as
// RFC 3339 strings; sequence numbers above 2^53 lose precision.
type wireBatch struct {
	FrameSeq    uint64     `json:"frame_seq"`
	Timestamp   time.Time  `json:"timestamp"`
	Orientation string     `json:"orientation"`
	Viewport    scan.Size  `json:"viewport"`
	Paths       []wirePath `json:"paths"`
}

type wirePath struct {
	TrackID    string       `json:"track_id"`
	Confidence float64      `json:"confidence"`
	Terminal   bool         `json:"terminal"`
	Refined    bool         `json:"refined"`
	Points     [][2]float64 `json:"points"`
}

// EncodeBatch converts a batch to its Struct form. Paths travel as their
// four polygon corners in emission order.
func EncodeBatch(b overlay.Batch) (*structpb.Struct, error) {
	w := wireBatch{
		FrameSeq:    b.FrameSeq,
		Timestamp:   b.Timestamp,
		Orientation: b.Orientation.String(),
		Viewport:    b.Viewport,
		Paths:       make([]wirePath, 0, len(b.Paths)),
	}
	for _, p := range b.Paths {
		wp := wirePath{
			TrackID:    p.TrackID.String(),
			Confidence: p.Confidence,
			Terminal:   p.Terminal,
			Refined:    p.Refined,
		}
		for _, pt := range p.Polygon() {
			wp.Points = append(wp.Points, [2]float64{pt.X, pt.Y})
		}
		w.Paths = append(w.Paths, wp)
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := s.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return s, nil
}

// DecodeBatch rebuilds a batch from its Struct form, re-expanding each
// polygon into a closed path.
func DecodeBatch(s *structpb.Struct) (overlay.Batch, error) {
	raw, err := s.MarshalJSON()
	if err != nil {
		return overlay.Batch{}, err
	}
	var w wireBatch
	if err := json.Unmarshal(raw, &w); err != nil {
		return overlay.Batch{}, fmt.Errorf("decode overlay batch: %w", err)
	}
	o, err := scan.ParseOrientation(w.Orientation)
	if err != nil {
		return overlay.Batch{}, err
	}
	b := overlay.Batch{
		FrameSeq:    w.FrameSeq,
		Timestamp:   w.Timestamp,
		Orientation: o,
		Viewport:    w.Viewport,
		Paths:       make([]overlay.Path, 0, len(w.Paths)),
	}
	for _, wp := range w.Paths {
		id, err := uuid.Parse(wp.TrackID)
		if err != nil {
			return overlay.Batch{}, fmt.Errorf("decode track id: %w", err)
		}
		pts := make([]scan.Point, len(wp.Points))
		for i, xy := range wp.Points {
			pts[i] = scan.Point{X: xy[0], Y: xy[1]}
		}
		p := overlay.NewPath(pts)
		p.TrackID, p.Confidence, p.Terminal, p.Refined = id, wp.Confidence, wp.Terminal, wp.Refined
		b.Paths = append(b.Paths, p)
	}
	return b, nil
}

// Subscription is a client-side overlay stream.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens an overlay stream on conn. opts may be nil.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, opts map[string]interface{}) (*Subscription, error) {
	req, err := structpb.NewStruct(opts)
	if err != nil {
		return nil, fmt.Errorf("stream request: %w", err)
	}
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], StreamMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next batch.
func (s *Subscription) Recv() (overlay.Batch, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return overlay.Batch{}, err
	}
	return DecodeBatch(msg)
}

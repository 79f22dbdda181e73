package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/pipeline"
)

// Handler serves a local engine to remote Clients, one websocket
// connection per client with requests answered in order.
type Handler struct {
	Detector pipeline.Detector
	Tracker  pipeline.Tracker
	// Timeout bounds each request; zero means no limit.
	Timeout time.Duration

	upgrader websocket.Upgrader
}

// NewHandler wraps a detector and tracker.
func NewHandler(d pipeline.Detector, t pipeline.Tracker) *Handler {
	return &Handler{Detector: d, Tracker: t, Timeout: 5 * time.Second}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		opsf("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()
	diagf("engine client %s connected", r.RemoteAddr)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				opsf("engine client %s: %v", r.RemoteAddr, err)
			}
			return
		}
		resp := h.serve(r.Context(), msg)
		out, err := json.Marshal(resp)
		if err != nil {
			opsf("encode response for frame %d: %v", resp.Seq, err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			opsf("engine client %s: %v", r.RemoteAddr, err)
			return
		}
	}
}

func (h *Handler) serve(ctx context.Context, msg []byte) Response {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return Response{Error: fmt.Sprintf("bad request: %v", err)}
	}
	resp := Response{Seq: req.Seq}
	f, err := frameOf(req)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	switch req.Op {
	case OpDetect:
		resp.Observations, err = h.Detector.Detect(ctx, f)
	case OpDetectRegion:
		rd, ok := h.Detector.(pipeline.RegionDetector)
		switch {
		case req.Region == nil:
			err = fmt.Errorf("detect_region without region")
		case ok:
			resp.Observations, err = rd.DetectRegion(ctx, f, *req.Region)
		default:
			resp.Observations, err = h.Detector.Detect(ctx, f)
		}
	case OpTrack:
		if h.Tracker == nil {
			err = fmt.Errorf("tracking not served")
			break
		}
		resp.Results, err = h.Tracker.Track(ctx, f, req.Observations)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func frameOf(req Request) (scan.Frame, error) {
	r, err := DecodeImage(req.Image)
	if err != nil {
		return scan.Frame{}, err
	}
	img, err := imaging.Decode(r)
	if err != nil {
		return scan.Frame{}, fmt.Errorf("decode frame %d: %w", req.Seq, err)
	}
	o, _ := scan.ParseOrientation(req.Orientation)
	return scan.Frame{
		Seq:         req.Seq,
		Image:       img,
		Timestamp:   time.Unix(0, req.TimestampNanos),
		Orientation: o,
	}, nil
}

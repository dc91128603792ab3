package pipeline

import (
	"strconv"

	"github.com/camoverride/emotion-detector/internal/face"
	"github.com/camoverride/emotion-detector/internal/predict"
)

// BoundingBoxEvent is the outbound event name of the face box.
const BoundingBoxEvent = "bb_response"

// FrameResult is the outcome of one frame run. Fields holds every value that was
// produced; models that failed appear in Failures instead. Box is nil when the
// request type does not ask for it and the zero box when no face was found.
type FrameResult struct {
	RequestType string
	FaceFound   bool
	Fields      []predict.Field
	Box         *face.Rect
	Failures    map[string]error
}

// Event is one outbound message addressed to the originating connection.
type Event struct {
	Name    string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// Events converts the result into outbound events: one "<field>_response" event per
// field and a bounding box event with stringified integers.
func (r *FrameResult) Events() []Event {
	events := make([]Event, 0, len(r.Fields)+1)
	for _, f := range r.Fields {
		events = append(events, Event{Name: f.Name + "_response", Payload: map[string]any{"data": f.Value}})
	}
	if r.Box != nil {
		events = append(events, Event{Name: BoundingBoxEvent, Payload: map[string]any{
			"bb_x":      strconv.Itoa(r.Box.X),
			"bb_y":      strconv.Itoa(r.Box.Y),
			"bb_width":  strconv.Itoa(r.Box.Width),
			"bb_height": strconv.Itoa(r.Box.Height),
		}})
	}
	return events
}

// FailureMessages renders Failures for JSON replies.
func (r *FrameResult) FailureMessages() map[string]string {
	if len(r.Failures) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.Failures))
	for model, err := range r.Failures {
		out[model] = err.Error()
	}
	return out
}

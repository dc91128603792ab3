package predict

import (
	"encoding/json"
	"fmt"
)

// Field is one named result value, such as emotion=happy or age=34.
type Field struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Prediction is the decoded output of one model.
type Prediction struct {
	Fields []Field
}

// Map returns the fields keyed by name.
func (p Prediction) Map() map[string]any {
	out := make(map[string]any, len(p.Fields))
	for _, f := range p.Fields {
		out[f.Name] = f.Value
	}
	return out
}

// Head maps one score vector to a field. With Labels the argmax indexes the label
// list; without them the argmax itself is the value and Size, when set, is the
// required vector length. Key names the head inside multi-head predictions.
type Head struct {
	Key    string   `yaml:"key"`
	Field  string   `yaml:"field"`
	Labels []string `yaml:"labels"`
	Size   int      `yaml:"size"`
}

func (h Head) decode(scores []float64) (Field, error) {
	if len(scores) == 0 {
		return Field{}, fmt.Errorf("%w: empty score vector for %s", ErrMalformedResponse, h.Field)
	}
	if len(h.Labels) > 0 && len(scores) != len(h.Labels) {
		return Field{}, fmt.Errorf("%w: %s expects %d scores, got %d", ErrMalformedResponse, h.Field, len(h.Labels), len(scores))
	}
	if len(h.Labels) == 0 && h.Size > 0 && len(scores) != h.Size {
		return Field{}, fmt.Errorf("%w: %s expects %d scores, got %d", ErrMalformedResponse, h.Field, h.Size, len(scores))
	}
	idx := argmax(scores)
	if len(h.Labels) > 0 {
		return Field{Name: h.Field, Value: h.Labels[idx]}, nil
	}
	return Field{Name: h.Field, Value: idx}, nil
}

// Decoder turns the raw "predictions" array of one model into fields. A single
// unnamed head reads predictions[0] as a vector; keyed heads read predictions[0] as
// an object of vectors.
type Decoder struct {
	Heads []Head `yaml:"heads"`
}

func (d Decoder) multiHead() bool {
	return len(d.Heads) > 1 || (len(d.Heads) == 1 && d.Heads[0].Key != "")
}

// Validate checks that the decoder can produce at least one field.
func (d Decoder) Validate() error {
	if len(d.Heads) == 0 {
		return fmt.Errorf("decoder needs at least one head")
	}
	for _, h := range d.Heads {
		if h.Field == "" {
			return fmt.Errorf("decoder head %q has no field name", h.Key)
		}
		if d.multiHead() && h.Key == "" {
			return fmt.Errorf("multi-head decoder head %q has no key", h.Field)
		}
	}
	return nil
}

// Decode reads the first instance of raw predictions.
func (d Decoder) Decode(raw json.RawMessage) (Prediction, error) {
	if d.multiHead() {
		var instances []map[string][]float64
		if err := json.Unmarshal(raw, &instances); err != nil {
			return Prediction{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		if len(instances) == 0 {
			return Prediction{}, fmt.Errorf("%w: no instances", ErrMalformedResponse)
		}
		var out Prediction
		for _, h := range d.Heads {
			scores, ok := instances[0][h.Key]
			if !ok {
				return Prediction{}, fmt.Errorf("%w: missing head %q", ErrMalformedResponse, h.Key)
			}
			f, err := h.decode(scores)
			if err != nil {
				return Prediction{}, err
			}
			out.Fields = append(out.Fields, f)
		}
		return out, nil
	}

	var instances [][]float64
	if err := json.Unmarshal(raw, &instances); err != nil {
		return Prediction{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if len(instances) == 0 {
		return Prediction{}, fmt.Errorf("%w: no instances", ErrMalformedResponse)
	}
	f, err := d.Heads[0].decode(instances[0])
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{Fields: []Field{f}}, nil
}

func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// Label lists of the bundled models.
var (
	EmotionLabels = []string{"angry", "disgust", "scared", "happy", "sad", "surprised", "neutral"}
	GenderLabels  = []string{"female", "male"}
)

// AgeClasses is the number of age classes, ages 0 to 100.
const AgeClasses = 101

// Registry maps model names to decoders. It is built once and only read afterwards.
type Registry map[string]Decoder

// DefaultRegistry returns the decoders of the bundled models.
func DefaultRegistry() Registry {
	return Registry{
		"emotion_model": {Heads: []Head{{Field: "emotion", Labels: EmotionLabels}}},
		"gender_model":  {Heads: []Head{{Field: "gender", Labels: GenderLabels}}},
		"age_model":     {Heads: []Head{{Field: "age", Size: AgeClasses}}},
		"age_gender_model": {Heads: []Head{
			{Key: "dense", Field: "gender", Labels: GenderLabels},
			{Key: "dense_1", Field: "age", Size: AgeClasses},
		}},
	}
}

// Lookup returns the decoder for a model name.
func (r Registry) Lookup(model string) (Decoder, error) {
	d, ok := r[model]
	if !ok {
		return Decoder{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return d, nil
}

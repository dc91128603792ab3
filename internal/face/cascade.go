package face

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCascade is returned for cascade files that cannot be evaluated.
var ErrInvalidCascade = errors.New("invalid cascade")

// Cascade is a boosted Haar classifier cascade trained on Width x Height windows.
type Cascade struct {
	Width    int
	Height   int
	Stages   []Stage
	Features []Feature
}

// Stage passes a window when the sum of its classifier outputs reaches Threshold.
type Stage struct {
	Threshold   float64
	Classifiers []WeakClassifier
}

// WeakClassifier is a small decision tree over Haar features. A child index <= 0
// points at Leaves[-index].
type WeakClassifier struct {
	Nodes  []Node
	Leaves []float64
}

// Node compares one normalized feature value against Threshold.
type Node struct {
	Left      int
	Right     int
	Feature   int
	Threshold float64
}

// Feature is a weighted sum of rectangle sums inside the detection window.
type Feature struct {
	Rects []WeightedRect
}

// WeightedRect is a rectangle relative to the window origin.
type WeightedRect struct {
	X, Y, Width, Height int
	Weight              float64
}

func (c WeakClassifier) eval(feature func(int) float64) float64 {
	idx := 0
	for {
		n := c.Nodes[idx]
		next := n.Right
		if feature(n.Feature) < n.Threshold {
			next = n.Left
		}
		if next <= 0 {
			return c.Leaves[-next]
		}
		idx = next
	}
}

type xmlStorage struct {
	Cascade struct {
		StageType   string       `xml:"stageType"`
		FeatureType string       `xml:"featureType"`
		Height      int          `xml:"height"`
		Width       int          `xml:"width"`
		Stages      []xmlStage   `xml:"stages>_"`
		Features    []xmlFeature `xml:"features>_"`
	} `xml:"cascade"`
}

type xmlStage struct {
	Threshold float64   `xml:"stageThreshold"`
	Weak      []xmlWeak `xml:"weakClassifiers>_"`
}

type xmlWeak struct {
	InternalNodes string `xml:"internalNodes"`
	LeafValues    string `xml:"leafValues"`
}

type xmlFeature struct {
	Rects  []string `xml:"rects>_"`
	Tilted int      `xml:"tilted"`
}

// ParseCascade parses the OpenCV "opencv-cascade-classifier" XML format. Only
// upright HAAR features with BOOST stages are supported.
func ParseCascade(data []byte) (*Cascade, error) {
	var doc xmlStorage
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCascade, err)
	}
	src := doc.Cascade
	if src.FeatureType != "" && !strings.EqualFold(src.FeatureType, "HAAR") {
		return nil, fmt.Errorf("%w: unsupported feature type %q", ErrInvalidCascade, src.FeatureType)
	}
	if src.StageType != "" && !strings.EqualFold(src.StageType, "BOOST") {
		return nil, fmt.Errorf("%w: unsupported stage type %q", ErrInvalidCascade, src.StageType)
	}
	if src.Width <= 2 || src.Height <= 2 {
		return nil, fmt.Errorf("%w: window %dx%d too small", ErrInvalidCascade, src.Width, src.Height)
	}
	if len(src.Stages) == 0 {
		return nil, fmt.Errorf("%w: no stages", ErrInvalidCascade)
	}

	c := &Cascade{Width: src.Width, Height: src.Height}
	for i, xf := range src.Features {
		if xf.Tilted != 0 {
			return nil, fmt.Errorf("%w: feature %d is tilted", ErrInvalidCascade, i)
		}
		var f Feature
		for _, raw := range xf.Rects {
			v, err := parseFloats(raw)
			if err != nil || len(v) != 5 {
				return nil, fmt.Errorf("%w: feature %d rect %q", ErrInvalidCascade, i, strings.TrimSpace(raw))
			}
			f.Rects = append(f.Rects, WeightedRect{
				X: int(v[0]), Y: int(v[1]), Width: int(v[2]), Height: int(v[3]), Weight: v[4],
			})
		}
		c.Features = append(c.Features, f)
	}

	for si, xs := range src.Stages {
		stage := Stage{Threshold: xs.Threshold}
		for wi, xw := range xs.Weak {
			wc, err := parseWeak(xw, len(c.Features))
			if err != nil {
				return nil, fmt.Errorf("%w: stage %d classifier %d: %v", ErrInvalidCascade, si, wi, err)
			}
			stage.Classifiers = append(stage.Classifiers, wc)
		}
		c.Stages = append(c.Stages, stage)
	}
	return c, nil
}

func parseWeak(xw xmlWeak, features int) (WeakClassifier, error) {
	nodes, err := parseFloats(xw.InternalNodes)
	if err != nil {
		return WeakClassifier{}, err
	}
	leaves, err := parseFloats(xw.LeafValues)
	if err != nil {
		return WeakClassifier{}, err
	}
	if len(nodes) == 0 || len(nodes)%4 != 0 {
		return WeakClassifier{}, fmt.Errorf("internal nodes must be groups of four, got %d values", len(nodes))
	}
	wc := WeakClassifier{Leaves: leaves}
	for i := 0; i < len(nodes); i += 4 {
		n := Node{Left: int(nodes[i]), Right: int(nodes[i+1]), Feature: int(nodes[i+2]), Threshold: nodes[i+3]}
		if n.Feature < 0 || n.Feature >= features {
			return WeakClassifier{}, fmt.Errorf("feature index %d out of range", n.Feature)
		}
		for _, child := range []int{n.Left, n.Right} {
			if child <= 0 && -child >= len(leaves) {
				return WeakClassifier{}, fmt.Errorf("leaf index %d out of range", -child)
			}
			if child > 0 && (child <= i/4 || child >= len(nodes)/4) {
				return WeakClassifier{}, fmt.Errorf("node index %d out of range", child)
			}
		}
		wc.Nodes = append(wc.Nodes, n)
	}
	return wc, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

package telemetry

import (
	"errors"
	"fmt"
	"strings"
)

const (
	topicSeparator   = "/"
	singleLevel      = "+"
	multiLevel       = "#"
	tokenMeasurement = "measurement"
	tokenIgnore      = "_"
	tagTopic         = "topic"
)

var (
	ErrEmptyShape          = errors.New("topic pattern: empty shape")
	ErrMultipleMultiLevel  = errors.New("topic pattern: more than one multi-level wildcard")
	ErrMultipleMeasurement = errors.New("topic pattern: measurement named more than once")
	ErrInterpretation      = errors.New("topic pattern: interpretation does not fit shape")
	ErrFieldIndex          = errors.New("topic pattern: field index out of range")
)

// PatternConfig declares one topic shape and how to read it.
//
// Shape segments are literals, "+" or a single "#". Interpretation segments
// are "measurement", "_" or a tag name. Field optionally addresses the segment
// holding the field name; negative values count from the end of the topic.
type PatternConfig struct {
	Shape          string `yaml:"shape"`
	Interpretation string `yaml:"interpretation"`
	Field          *int   `yaml:"field,omitempty"`
}

// FieldAt is a helper for building PatternConfig literals.
func FieldAt(index int) *int {
	return &index
}

type literalSegment struct {
	pos   int
	value string
}

type tagCapture struct {
	name string
	pos  int
}

// Matcher extracts a Metric from topics of one compiled shape.
type Matcher struct {
	shape          string
	exact          bool
	length         int
	literals       []literalSegment
	hasMeasurement bool
	measurementPos int
	tags           []tagCapture
	hasField       bool
	fieldPos       int
}

// CompilePattern validates cfg and builds its matcher.
func CompilePattern(cfg PatternConfig) (*Matcher, error) {
	if cfg.Shape == "" {
		return nil, ErrEmptyShape
	}
	shape := strings.Split(cfg.Shape, topicSeparator)
	n := len(shape)

	hash := -1
	for i, token := range shape {
		if token != multiLevel {
			continue
		}
		if hash >= 0 {
			return nil, fmt.Errorf("%w: %q", ErrMultipleMultiLevel, cfg.Shape)
		}
		hash = i
	}

	// Segments after "#" shift with the topic length, so they are addressed
	// from the end.
	position := func(i int) int {
		if hash < 0 || i < hash {
			return i
		}
		return i - n
	}

	m := &Matcher{shape: cfg.Shape, exact: hash < 0, length: n}
	if hash >= 0 {
		m.length = n - 1
	}

	for i, token := range shape {
		if token == singleLevel || token == multiLevel {
			continue
		}
		m.literals = append(m.literals, literalSegment{pos: position(i), value: token})
	}

	var interpretation []string
	if cfg.Interpretation != "" {
		interpretation = strings.Split(cfg.Interpretation, topicSeparator)
	}
	switch {
	case hash < 0 && len(interpretation) != n:
		return nil, fmt.Errorf("%w: %d segments for shape %q", ErrInterpretation, len(interpretation), cfg.Shape)
	case hash >= 0 && len(interpretation) != n && len(interpretation) > hash:
		return nil, fmt.Errorf("%w: %d segments for shape %q", ErrInterpretation, len(interpretation), cfg.Shape)
	}

	for i, token := range interpretation {
		if i == hash {
			if token != tokenIgnore && token != multiLevel {
				return nil, fmt.Errorf("%w: %q captures the multi-level segment", ErrInterpretation, token)
			}
			continue
		}
		switch token {
		case tokenIgnore, "", singleLevel:
		case tokenMeasurement:
			if m.hasMeasurement {
				return nil, fmt.Errorf("%w: %q", ErrMultipleMeasurement, cfg.Interpretation)
			}
			m.hasMeasurement = true
			m.measurementPos = position(i)
		default:
			m.tags = append(m.tags, tagCapture{name: token, pos: position(i)})
		}
	}

	if cfg.Field != nil {
		field := *cfg.Field
		if field >= m.length || field < -m.length {
			return nil, fmt.Errorf("%w: %d for shape %q", ErrFieldIndex, field, cfg.Shape)
		}
		m.hasField = true
		m.fieldPos = field
	}
	return m, nil
}

// MustCompilePattern is CompilePattern for static configuration.
func MustCompilePattern(cfg PatternConfig) *Matcher {
	m, err := CompilePattern(cfg)
	if err != nil {
		panic(err)
	}
	return m
}

// Shape returns the configured topic shape.
func (m *Matcher) Shape() string {
	return m.shape
}

// Match extracts a Metric from topic. It returns nil unless every declared
// capture is present.
func (m *Matcher) Match(topic string) *Metric {
	if m == nil {
		return nil
	}
	parts := strings.Split(topic, topicSeparator)
	if m.exact && len(parts) != m.length {
		return nil
	}
	if !m.exact && len(parts) < m.length {
		return nil
	}

	for _, literal := range m.literals {
		if parts[resolve(parts, literal.pos)] != literal.value {
			return nil
		}
	}

	metric := &Metric{Tags: make(map[string]string, len(m.tags))}
	if m.hasMeasurement {
		metric.Name = parts[resolve(parts, m.measurementPos)]
		if metric.Name == "" {
			return nil
		}
	}

	for _, tag := range m.tags {
		if tag.name == tagTopic {
			if !m.hasMeasurement {
				return nil
			}
			metric.Tags[tag.name] = metric.Name
			continue
		}
		value := parts[resolve(parts, tag.pos)]
		if value == "" {
			return nil
		}
		metric.Tags[tag.name] = value
	}

	if m.hasField {
		metric.Field = parts[resolve(parts, m.fieldPos)]
		if metric.Field == "" {
			return nil
		}
	}
	return metric
}

func resolve(parts []string, pos int) int {
	if pos < 0 {
		return len(parts) + pos
	}
	return pos
}

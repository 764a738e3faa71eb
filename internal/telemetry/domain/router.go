package telemetry

import "fmt"

// HeartbeatPath is the path an instance publishes after each burst of metrics.
const HeartbeatPath = "updated"

// DefaultPatterns returns the evcc topic vocabulary, most specific shapes
// first. Paths are relative to "<root>/<instanceId>/".
func DefaultPatterns() []PatternConfig {
	return []PatternConfig{
		{Shape: "loadpoints/+/+", Interpretation: "measurement/componentId/_", Field: FieldAt(-1)},
		{Shape: "site/grid/+", Interpretation: "_/measurement/_", Field: FieldAt(-1)},
		{Shape: "site/statistics/+/+", Interpretation: "_/measurement/period/_", Field: FieldAt(-1)},
		{Shape: "site/pv/+/+", Interpretation: "_/measurement/componentId/_", Field: FieldAt(-1)},
		{Shape: "site/battery/+/+", Interpretation: "_/measurement/componentId/_", Field: FieldAt(-1)},
		{Shape: "site/+", Interpretation: "measurement/_", Field: FieldAt(-1)},
		{Shape: "vehicles/+/+", Interpretation: "measurement/vehicleId/_", Field: FieldAt(-1)},
		{Shape: HeartbeatPath, Interpretation: "measurement", Field: FieldAt(0)},
	}
}

// Router tries its matchers in order and returns the first match.
type Router struct {
	matchers []*Matcher
}

// NewRouter compiles configs in the given order.
func NewRouter(configs []PatternConfig) (*Router, error) {
	matchers := make([]*Matcher, 0, len(configs))
	for i, cfg := range configs {
		m, err := CompilePattern(cfg)
		if err != nil {
			return nil, fmt.Errorf("router: pattern %d: %w", i, err)
		}
		matchers = append(matchers, m)
	}
	return &Router{matchers: matchers}, nil
}

// NewDefaultRouter builds a router for DefaultPatterns.
func NewDefaultRouter() *Router {
	r, err := NewRouter(DefaultPatterns())
	if err != nil {
		panic(err)
	}
	return r
}

// Route returns the metric for path, or nil when no pattern matches.
func (r *Router) Route(path string) *Metric {
	if r == nil {
		return nil
	}
	for _, m := range r.matchers {
		if metric := m.Match(path); metric != nil {
			return metric
		}
	}
	return nil
}

// Len reports the number of compiled patterns.
func (r *Router) Len() int {
	if r == nil {
		return 0
	}
	return len(r.matchers)
}

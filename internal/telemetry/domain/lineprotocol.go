package telemetry

import (
	"sort"
	"strings"
)

// Reserved tag names. Metric tags with these names are never written; the
// instance tag always comes from the instance id.
const (
	TagAspect   = "aspect"
	TagValue    = "value"
	TagInstance = "instance"
)

// EncodeLine renders one line protocol point:
//
//	<measurement>,instance=<id>[,<tag>=<val>...] <field>=<value> <timestamp>
//
// The field name is metric.Field, falling back to the "aspect" tag. Without
// either the field assignment is left out. Names and values are written as
// is; the evcc vocabulary never needs escaping.
func EncodeLine(metric Metric, value Value, instanceID, timestamp string) string {
	var b strings.Builder
	b.WriteString(metric.Name)
	b.WriteString(",")
	b.WriteString(TagInstance)
	b.WriteString("=")
	b.WriteString(instanceID)

	keys := make([]string, 0, len(metric.Tags))
	for key := range metric.Tags {
		switch key {
		case TagAspect, TagValue, TagInstance:
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.WriteString(",")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(metric.Tags[key])
	}

	field := metric.Field
	if field == "" {
		field = metric.Tags[TagAspect]
	}
	if field != "" {
		b.WriteString(" ")
		b.WriteString(field)
		b.WriteString("=")
		b.WriteString(value.String())
	}

	b.WriteString(" ")
	b.WriteString(timestamp)
	return b.String()
}

package telemetry

import "strings"

// excludedFragments name topics that carry free text or high-churn series
// nobody charts.
var excludedFragments = []string{
	"forecast",
	"title",
	"vehicleOdometer",
	"tariffPrice",
	"tariffCo2",
}

// IsExcluded reports whether topic contains a denied fragment. Matching is
// case-sensitive.
func IsExcluded(topic string) bool {
	if topic == "" {
		return false
	}
	for _, fragment := range excludedFragments {
		if strings.Contains(topic, fragment) {
			return true
		}
	}
	return false
}

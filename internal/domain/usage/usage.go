package usage

import "github.com/samber/lo"

// InstanceUsage is one instance's traffic in its current billing cycle.
type InstanceUsage struct {
	Value float64 `json:"value"` // bytes received + transmitted
	Limit uint64  `json:"limit"` // quota in bytes
}

// Percent returns Value as a percentage of Limit. May exceed 100.
func (u InstanceUsage) Percent() float64 {
	if u.Limit == 0 {
		return 0
	}
	return u.Value / float64(u.Limit) * 100
}

// Report maps instance identifiers to their usage.
// Instances without data in their cycle window are absent.
type Report map[string]InstanceUsage

// Percentages returns the percentage view of the report.
func (r Report) Percentages() map[string]float64 {
	return lo.MapValues(r, func(u InstanceUsage, _ string) float64 {
		return u.Percent()
	})
}

package quota

import (
	"fmt"

	"github.com/iszyzyzzy/traffic-middleware/internal/domain/cycle"
	"github.com/iszyzyzzy/traffic-middleware/internal/domain/unit"
)

// FallbackQuota is the quota given to instances without a configured limit.
const FallbackQuota = "9999tb"

// Limit is an immutable billing limit: a monthly reset day and a byte quota.
type Limit struct {
	resetDay int
	bytes    uint64
}

// New validates and creates a Limit.
func New(resetDay int, bytes uint64) (Limit, error) {
	if resetDay < cycle.MinDay || resetDay > cycle.MaxDay {
		return Limit{}, fmt.Errorf("reset day must be between %d and %d, got %d", cycle.MinDay, cycle.MaxDay, resetDay)
	}
	if bytes == 0 {
		return Limit{}, fmt.Errorf("quota must be positive")
	}
	return Limit{resetDay: resetDay, bytes: bytes}, nil
}

// Parse creates a Limit from a quota string such as "1tb".
func Parse(resetDay int, quota string, c unit.Convention) (Limit, error) {
	bytes, err := unit.Parse(quota, c)
	if err != nil {
		return Limit{}, err
	}
	return New(resetDay, bytes)
}

// ResetDay returns the day of month the cycle restarts on.
func (l Limit) ResetDay() int { return l.resetDay }

// Bytes returns the quota in bytes.
func (l Limit) Bytes() uint64 { return l.bytes }

// Fallback returns the effectively unlimited Limit for unconfigured instances.
func Fallback(c unit.Convention) Limit {
	return Limit{resetDay: 1, bytes: unit.MustParse(FallbackQuota, c)}
}

// Table maps instances to limits. It is read-only after construction.
type Table struct {
	limits   map[string]Limit
	fallback Limit
}

// NewTable creates a Table. The map is copied.
func NewTable(limits map[string]Limit, c unit.Convention) *Table {
	cp := make(map[string]Limit, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	return &Table{limits: cp, fallback: Fallback(c)}
}

// Resolve returns the instance's Limit, or the fallback if none is configured.
func (t *Table) Resolve(instance string) Limit {
	if l, ok := t.limits[instance]; ok {
		return l
	}
	return t.fallback
}

// Configured reports whether the instance has an explicit Limit.
func (t *Table) Configured(instance string) bool {
	_, ok := t.limits[instance]
	return ok
}

// Len returns the number of configured instances.
func (t *Table) Len() int { return len(t.limits) }

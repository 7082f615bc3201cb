package filter

import (
	"github.com/kloudmate/live-metrics-agent/internal/models"
)

// Conjunction matches when all of its filters match. An empty conjunction
// matches every document.
type Conjunction struct {
	filters []*Filter
}

func (c *Conjunction) Matches(doc *models.Document) bool {
	for _, f := range c.filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

// Group is an OR across conjunctions, scoped to one telemetry type.
type Group struct {
	telemetryType models.TelemetryType
	conjunctions  []*Conjunction
	passThrough   bool
}

// Compile builds a group from its definitions. A group defined without
// conjunctions is pass-through. Conjunctions holding a malformed filter are
// dropped and reported; if every defined conjunction is dropped the group
// matches nothing.
func Compile(t models.TelemetryType, groups []models.FilterConjunctionGroupInfo) (*Group, []models.ConfigurationError) {
	g := &Group{
		telemetryType: t,
		passThrough:   len(groups) == 0,
	}

	var errs []models.ConfigurationError
	for _, info := range groups {
		conj := &Conjunction{filters: make([]*Filter, 0, len(info.Filters))}
		valid := true

		for _, fi := range info.Filters {
			f, cerr := newFilter(t, fi)
			if cerr != nil {
				errs = append(errs, *cerr)
				valid = false
				continue
			}
			conj.filters = append(conj.filters, f)
		}

		if valid {
			g.conjunctions = append(g.conjunctions, conj)
		}
	}

	return g, errs
}

// Matches never errors: a document of a different type simply does not match.
func (g *Group) Matches(doc *models.Document) bool {
	if doc == nil || doc.Type != g.telemetryType {
		return false
	}
	if g.passThrough {
		return true
	}
	for _, c := range g.conjunctions {
		if c.Matches(doc) {
			return true
		}
	}
	return false
}

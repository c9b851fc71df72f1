// Package scenario is the standalone scenario runner the cmd/relay test
// subcommand drives: self-contained, named end-to-end checks of the testable
// properties named in spec.md's scenario catalog, runnable from a built
// binary without invoking `go test`.
package scenario

import (
	"context"
	"fmt"
	"regexp"
)

// Scenario is one end-to-end check: Run returns nil on success, or an error
// describing the failure.
type Scenario struct {
	Suite string
	Name  string
	Run   func(ctx context.Context) error
}

// FullName is "suite/name", the form suite/test regex flags match against.
func (s Scenario) FullName() string {
	return fmt.Sprintf("%s/%s", s.Suite, s.Name)
}

// registry is the process-wide set of scenarios registered via Register.
// cmd/relay's test subcommand runs against this default registry; it is not
// exported so every scenario has to come through Register and carry a
// Suite/Name/Run triple.
var registry []Scenario

// Register adds s to the default registry. Called from init() in the
// sibling files that define each concrete scenario.
func Register(s Scenario) {
	registry = append(registry, s)
}

// All returns every registered scenario.
func All() []Scenario {
	out := make([]Scenario, len(registry))
	copy(out, registry)
	return out
}

// Select filters scenarios by suite/name regexes: suiteInclude/nameInclude
// (if non-nil) must match for a scenario to run; suiteExclude/nameExclude
// (if non-nil) must NOT match.
func Select(
	scenarios []Scenario,
	suiteInclude, suiteExclude, nameInclude, nameExclude *regexp.Regexp,
) []Scenario {

	var out []Scenario
	for _, s := range scenarios {
		if suiteInclude != nil && !suiteInclude.MatchString(s.Suite) {
			continue
		}
		if suiteExclude != nil && suiteExclude.MatchString(s.Suite) {
			continue
		}
		if nameInclude != nil && !nameInclude.MatchString(s.Name) {
			continue
		}
		if nameExclude != nil && nameExclude.MatchString(s.Name) {
			continue
		}
		out = append(out, s)
	}
	return out
}

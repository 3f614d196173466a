// Package resolver implements PubGrub-style SAT-lite dependency
// resolution over versioned packages with range constraints, per
// spec.md §4.5.
package resolver

import (
	"fmt"
	"sort"
)

// RootPackage is the name of the synthetic package depending on every
// user root requirement, per spec.md §4.5.
const RootPackage = "__root__"

// PackageVersion is one version of a package and its dependency map
// (depended-name -> constraint string).
type PackageVersion struct {
	Version      Version
	Dependencies map[string]string
}

// Index is a read-only view of repository indices: name -> available
// versions. Callers build this from one or more repository clients.
type Index map[string][]PackageVersion

// Requirement is a root-level request: a package name plus a range
// constraint string.
type Requirement struct {
	Name       string
	Constraint string
}

// Resolution is a successful solve: chosen (name, version) pairs.
type Resolution struct {
	Chosen map[string]Version
	// Order lists package names in the reverse of the order the solver
	// decided them. It is not a topological sort: a dependency that was
	// decided before one of its consumers comes after that consumer.
	Order []string
}

// Conflict describes why resolution failed.
type Conflict struct {
	Package string
	Reason  string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("dependency conflict on %q: %s", c.Package, c.Reason)
}

// Resolve solves a set of root requirements against idx, choosing the
// fewest-matching-versions package at each decision point and the
// highest matching version within it, per spec.md §4.5.
func Resolve(requirements []Requirement, idx Index) (*Resolution, *Conflict) {
	constraintsByPkg := map[string][]Constraint{}
	requiredByPkg := map[string][]string{}
	chosen := map[string]Version{}
	order := []string{}

	addConstraint := func(name string, c Constraint, from string) {
		constraintsByPkg[name] = append(constraintsByPkg[name], c)
		requiredByPkg[name] = append(requiredByPkg[name], from)
	}

	for _, req := range requirements {
		c, err := ParseConstraint(req.Constraint)
		if err != nil {
			return nil, &Conflict{Package: req.Name, Reason: err.Error()}
		}
		addConstraint(req.Name, c, RootPackage)
	}

	decided := map[string]bool{}

	for {
		// Find undecided packages with at least one outstanding constraint.
		var frontier []string
		for name := range constraintsByPkg {
			if !decided[name] {
				frontier = append(frontier, name)
			}
		}
		if len(frontier) == 0 {
			break
		}
		sort.Strings(frontier) // deterministic iteration before tie-break

		best, bestMatches, bestCount := "", []PackageVersion(nil), -1
		for _, name := range frontier {
			versions, ok := idx[name]
			if !ok {
				return nil, &Conflict{
					Package: name,
					Reason:  fmt.Sprintf("package not found (required by %v)", requiredByPkg[name]),
				}
			}
			matches := matchingVersions(versions, constraintsByPkg[name])
			if len(matches) == 0 {
				return nil, &Conflict{
					Package: name,
					Reason:  fmt.Sprintf("no version satisfies all constraints %v (required by %v)", stringifyConstraints(constraintsByPkg[name]), requiredByPkg[name]),
				}
			}
			if bestCount == -1 || len(matches) < bestCount {
				best, bestMatches, bestCount = name, matches, len(matches)
			}
		}

		// Highest matching version wins within the most-constrained package.
		sort.Slice(bestMatches, func(i, j int) bool {
			return bestMatches[i].Version.Compare(bestMatches[j].Version) > 0
		})
		chosenVersion := bestMatches[0]

		chosen[best] = chosenVersion.Version
		decided[best] = true
		order = append(order, best)

		for depName, depConstraint := range chosenVersion.Dependencies {
			c, err := ParseConstraint(depConstraint)
			if err != nil {
				return nil, &Conflict{Package: depName, Reason: err.Error()}
			}
			addConstraint(depName, c, best)

			// If depName was already decided, re-validate: no backtracking,
			// a late-arriving incompatible constraint is a hard conflict.
			if v, ok := chosen[depName]; ok && !c.Matches(v) {
				return nil, &Conflict{
					Package: depName,
					Reason:  fmt.Sprintf("already chose %s, but %s requires %s", v, best, c),
				}
			}
		}
	}

	return &Resolution{Chosen: chosen, Order: reverseOrder(order)}, nil
}

func matchingVersions(versions []PackageVersion, constraints []Constraint) []PackageVersion {
	var out []PackageVersion
	for _, pv := range versions {
		ok := true
		for _, c := range constraints {
			if !c.Matches(pv.Version) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, pv)
		}
	}
	return out
}

func stringifyConstraints(cs []Constraint) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.String()
	}
	return out
}

// reverseOrder returns decisions reversed. A dependency reached only
// through its consumer's constraints is decided after that consumer and
// so lands before it; a dependency already on the frontier (for example
// another root requirement) can be decided first and then lands after it.
func reverseOrder(decisions []string) []string {
	out := make([]string, len(decisions))
	for i, name := range decisions {
		out[len(decisions)-1-i] = name
	}
	return out
}

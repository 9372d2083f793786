// Package relation implements the Ephemeral Repo Builder and Dependency
// Resolver's shared relation-expression algebra: parsing Build-Depends-style
// strings, architecture and build-profile reduction, ":native" rewriting,
// alternative filtering with version-range preservation, and union
// flattening for negative (Conflicts-style) relations. It is implemented
// once here; the resolver calls MergeRecords and internal/archive renders
// the resulting expressions. The .changes handling in internal/pipeline
// does not use it.
package relation

import (
	"fmt"
	"strings"

	"pault.ag/go/debian/dependency"
)

// Expr wraps a parsed relation expression: an AND of OR-groups, exactly the
// shape of a Build-Depends/Conflicts field.
type Expr struct {
	dep *dependency.Dependency
}

// Parse parses a relation-field value (e.g. a Build-Depends string) into an
// Expr.
func Parse(value string) (*Expr, error) {
	if strings.TrimSpace(value) == "" {
		return &Expr{dep: &dependency.Dependency{}}, nil
	}

	dep, err := dependency.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("relation: parse %q: %w", value, err)
	}

	return &Expr{dep: dep}, nil
}

// String renders the expression back to its textual relation-field form.
func (e *Expr) String() string {
	if e == nil || e.dep == nil {
		return ""
	}

	return e.dep.String()
}

// Empty reports whether the expression has no AND-groups left, the result
// of architecture/profile reduction filtering everything out.
func (e *Expr) Empty() bool {
	return e == nil || e.dep == nil || len(e.dep.Relations) == 0
}

func clone(dep *dependency.Dependency) *dependency.Dependency {
	out := &dependency.Dependency{Relations: make([]dependency.Relation, 0, len(dep.Relations))}

	for _, rel := range dep.Relations {
		out.Relations = append(out.Relations, append(dependency.Relation(nil), rel...))
	}

	return out
}

// possibilityMatchesArch reports whether a single alternative in an OR-group
// applies to arch, honouring both the old-style Arches allow-list and the
// newer bracketed ArchFilter (which may be a negative "not these" list).
func possibilityMatchesArch(p dependency.Possibility, arch string) bool {
	if len(p.Arches) > 0 {
		matched := false

		for _, a := range p.Arches {
			if a.Is(arch) {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	if p.ArchFilter != nil {
		matched := false

		for _, a := range p.ArchFilter.Arches {
			if a.Is(arch) {
				matched = true

				break
			}
		}

		if p.ArchFilter.Not {
			return !matched
		}

		return matched
	}

	return true
}

// ArchReduce drops, from every OR-group, every alternative that does not
// apply to arch (via its Arches list or bracketed ArchFilter), and drops
// any OR-group left empty. A package with no architecture restriction is
// kept in every reduction.
func (e *Expr) ArchReduce(arch string) *Expr {
	if e.Empty() {
		return e
	}

	out := &dependency.Dependency{}

	for _, rel := range e.dep.Relations {
		var kept dependency.Relation

		for _, poss := range rel {
			if possibilityMatchesArch(poss, arch) {
				kept = append(kept, poss)
			}
		}

		if len(kept) > 0 {
			out.Relations = append(out.Relations, kept)
		}
	}

	return &Expr{dep: out}
}

// profileMatches reports whether a possibility's build-profile filter
// allows the active profile set.
func profileMatches(p dependency.Possibility, activeProfiles []string) bool {
	if p.StageFilter == nil {
		return true
	}

	active := func(stage string) bool {
		for _, want := range activeProfiles {
			if want == stage {
				return true
			}
		}

		return false
	}

	matched := false

	for _, stage := range p.StageFilter.Stages {
		if active(stage) {
			matched = true

			break
		}
	}

	if p.StageFilter.Not {
		return !matched
	}

	return matched
}

// ProfileReduce drops alternatives whose <profile> restriction excludes the
// active build-profile set, mirroring ArchReduce's shape.
func (e *Expr) ProfileReduce(activeProfiles []string) *Expr {
	if e.Empty() {
		return e
	}

	out := &dependency.Dependency{}

	for _, rel := range e.dep.Relations {
		var kept dependency.Relation

		for _, poss := range rel {
			if profileMatches(poss, activeProfiles) {
				kept = append(kept, poss)
			}
		}

		if len(kept) > 0 {
			out.Relations = append(out.Relations, kept)
		}
	}

	return &Expr{dep: out}
}

// RewriteNative rewrites every ":native" multiarch qualifier to the literal
// native architecture name, the way a cross build resolves "foo:native" to
// the host's own native package when composing the ephemeral archive.
func (e *Expr) RewriteNative(nativeArch string) *Expr {
	if e.Empty() {
		return e
	}

	out := clone(e.dep)

	for i, rel := range out.Relations {
		for j, poss := range rel {
			if strings.HasSuffix(poss.Name, ":native") {
				poss.Name = strings.TrimSuffix(poss.Name, ":native") + ":" + nativeArch
				out.Relations[i][j] = poss
			}
		}
	}

	return &Expr{dep: out}
}

// DropNativeQualifier strips the ":native" multiarch qualifier entirely,
// the treatment a non-cross build gives it: the qualifier only matters when
// distinguishing the build architecture's own copy of a package from a
// foreign one, so outside a cross build it is simply noise.
func (e *Expr) DropNativeQualifier() *Expr {
	if e.Empty() {
		return e
	}

	out := clone(e.dep)

	for i, rel := range out.Relations {
		for j, poss := range rel {
			if strings.HasSuffix(poss.Name, ":native") {
				poss.Name = strings.TrimSuffix(poss.Name, ":native")
				out.Relations[i][j] = poss
			}
		}
	}

	return &Expr{dep: out}
}

// isVersionBound reports whether a possibility carries a version
// constraint, used by FilterAlternatives to recognise a "pkg (>= 1.0) |
// pkg (<< 2.0)" range encoded as two alternatives of the same package.
func isVersionBound(p dependency.Possibility) bool {
	return p.Version != nil
}

// FilterAlternatives collapses each OR-group down to its first alternative,
// the behaviour sbuild applies when its "resolve alternatives" switch is
// off (MergeRecords calls it only when ResolveAlternatives is false). A
// version-range pair — two alternatives naming the same
// package, each carrying a version bound — is preserved in full rather than
// truncated, since dropping either half would silently widen the range.
func (e *Expr) FilterAlternatives() *Expr {
	if e.Empty() {
		return e
	}

	out := &dependency.Dependency{Relations: make([]dependency.Relation, 0, len(e.dep.Relations))}

	for _, rel := range e.dep.Relations {
		if len(rel) <= 1 {
			out.Relations = append(out.Relations, rel)

			continue
		}

		if isVersionRangePair(rel) {
			out.Relations = append(out.Relations, rel)

			continue
		}

		out.Relations = append(out.Relations, dependency.Relation{rel[0]})
	}

	return &Expr{dep: out}
}

// isVersionRangePair reports whether every alternative in rel names the
// same package with a version bound, the shape a version-range collapses
// an upper/lower pair into.
func isVersionRangePair(rel dependency.Relation) bool {
	if len(rel) < 2 {
		return false
	}

	name := rel[0].Name

	for _, poss := range rel {
		if poss.Name != name || !isVersionBound(poss) {
			return false
		}
	}

	return true
}

// Merge ANDs together any number of expressions, as when the Dependency
// Resolver combines Build-Depends, Build-Depends-Arch/Indep, and extra
// per-invocation packages into one expression to hand to apt.
func Merge(exprs ...*Expr) *Expr {
	out := &dependency.Dependency{}

	for _, e := range exprs {
		if e.Empty() {
			continue
		}

		out.Relations = append(out.Relations, e.dep.Relations...)
	}

	return &Expr{dep: out}
}

// FlattenNegativeUnion flattens a set of Conflicts-style expressions into a
// single OR-free union: every possibility across every AND-group becomes
// its own top-level AND-group. Build-Conflicts has OR-alternatives but
// dpkg has no notion of "conflicts with A or B"; sbuild instead treats the
// whole OR-group as a conjunction of individual conflicts, so this union
// flattening is required before the conflicts list is handed to apt.
func FlattenNegativeUnion(exprs ...*Expr) *Expr {
	out := &dependency.Dependency{}

	for _, e := range exprs {
		if e.Empty() {
			continue
		}

		for _, rel := range e.dep.Relations {
			for _, poss := range rel {
				out.Relations = append(out.Relations, dependency.Relation{poss})
			}
		}
	}

	return &Expr{dep: out}
}

// DependencyRecord holds one source package's six textual relation fields,
// exactly as found in a .dsc's control stanza. All six are optional; an
// empty string parses as an empty Expr.
type DependencyRecord struct {
	BuildDepends        string
	BuildDependsArch    string
	BuildDependsIndep   string
	BuildConflicts      string
	BuildConflictsArch  string
	BuildConflictsIndep string
}

// ReduceOptions carries the job attributes needed to reduce a set of
// records down to the merged Depends/Conflicts expression a dummy package's
// control file declares.
type ReduceOptions struct {
	HostArch            string
	BuildArch           string
	CrossBuilding        bool
	ActiveProfiles       []string
	ResolveAlternatives  bool
}

// MergeRecords parses every record's six relation fields and reduces them
// into one merged Depends expression and one merged Conflicts expression,
// applying architecture reduction, build-profile reduction, ":native"
// handling, and (unless ResolveAlternatives is set) first-alternative
// filtering — the same composition the Ephemeral Repo Builder performs
// when assembling a dummy package's control file.
func MergeRecords(records []DependencyRecord, opts ReduceOptions) (depends, conflicts *Expr, err error) {
	var positives, negatives []*Expr

	for _, r := range records {
		for _, field := range []string{r.BuildDepends, r.BuildDependsArch, r.BuildDependsIndep} {
			e, perr := Parse(field)
			if perr != nil {
				return nil, nil, perr
			}

			positives = append(positives, e)
		}

		for _, field := range []string{r.BuildConflicts, r.BuildConflictsArch, r.BuildConflictsIndep} {
			e, perr := Parse(field)
			if perr != nil {
				return nil, nil, perr
			}

			negatives = append(negatives, e)
		}
	}

	mergedDepends := Merge(positives...).ArchReduce(opts.BuildArch).ProfileReduce(opts.ActiveProfiles)

	if opts.CrossBuilding {
		mergedDepends = mergedDepends.RewriteNative(opts.BuildArch)
	} else {
		mergedDepends = mergedDepends.DropNativeQualifier()
	}

	if !opts.ResolveAlternatives {
		mergedDepends = mergedDepends.FilterAlternatives()
	}

	mergedConflicts := FlattenNegativeUnion(negatives...).ArchReduce(opts.HostArch).ProfileReduce(opts.ActiveProfiles)

	return mergedDepends, mergedConflicts, nil
}

// PackageNames returns the distinct package names named anywhere in the
// expression, ignoring version/arch/profile qualifiers — used to seed the
// Change Ledger with what a resolve operation is about to touch.
func (e *Expr) PackageNames() []string {
	if e.Empty() {
		return nil
	}

	seen := make(map[string]struct{})

	var names []string

	for _, rel := range e.dep.Relations {
		for _, poss := range rel {
			if _, ok := seen[poss.Name]; ok {
				continue
			}

			seen[poss.Name] = struct{}{}

			names = append(names, poss.Name)
		}
	}

	return names
}

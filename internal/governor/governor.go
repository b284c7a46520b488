// Package governor is the external-collaborator resource-governance
// interface the core consults before admitting new input (C2) and before
// dispatching enforcement (C5). It ships the interface spec.md §4.9 names
// plus a minimal in-process reference implementation: critical components
// are never shed, non-critical components are shed in priority order under
// pressure, and a writer partition that cannot accept audit writes halts
// new-input admission outright rather than being shed like anything else.
package governor

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ransomeye/coreplane/internal/coreerr"
)

// ResourceKind identifies one governed resource dimension.
type ResourceKind string

const (
	CPU             ResourceKind = "cpu"
	Memory          ResourceKind = "memory"
	Disk            ResourceKind = "disk"
	FileDescriptors ResourceKind = "fd"
	Network         ResourceKind = "network"
)

// CheckResult is the outcome of an admission check against a component's
// quota for one resource kind.
type CheckResult string

const (
	Ok                  CheckResult = "Ok"
	BackpressureAdvised CheckResult = "BackpressureAdvised"
	Reject              CheckResult = "Reject"
)

// ComponentLimits describes one component's registration with the governor.
type ComponentLimits struct {
	// Critical marks a component that is never shed and never rejected by
	// Check, regardless of usage — audit writer and trust-store reload are
	// the canonical examples.
	Critical bool

	// Priority orders shedding among non-critical components: ascending,
	// lowest value shed first.
	Priority int

	// MaxUsage is the hard ceiling per resource kind; a Check that would
	// cross it returns Reject. A kind absent from this map has no quota and
	// always passes.
	MaxUsage map[ResourceKind]float64

	// BackpressureThreshold is the soft ceiling per resource kind at which
	// Check returns BackpressureAdvised instead of Ok, ahead of the hard
	// MaxUsage ceiling.
	BackpressureThreshold map[ResourceKind]float64
}

type componentState struct {
	limits ComponentLimits
	usage  map[ResourceKind]float64
}

// Governor is the in-process reference implementation of the resource
// governance interface.
type Governor struct {
	mu            sync.RWMutex
	components    map[string]*componentState
	auditWritable bool
	log           *logrus.Entry
}

// New constructs a Governor. The audit partition is assumed writable until
// SetAuditWritable says otherwise.
func New(log *logrus.Entry) *Governor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Governor{
		components:    make(map[string]*componentState),
		auditWritable: true,
		log:           log,
	}
}

// RegisterComponent enrolls a component under the given limits. Registering
// an already-registered component replaces its limits and resets its usage.
func (g *Governor) RegisterComponent(name string, limits ComponentLimits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.components[name] = &componentState{
		limits: limits,
		usage:  make(map[ResourceKind]float64),
	}
	g.log.WithFields(logrus.Fields{"component": name, "critical": limits.Critical}).Info("governor: component registered")
}

// Check reports whether component may proceed with an additional `requested`
// units of kind. An unregistered component is always rejected — admission
// through the governor requires prior registration, fail-closed. A critical
// component always passes. While the audit partition is unwritable every
// non-critical component is rejected; critical components still pass.
func (g *Governor) Check(component string, kind ResourceKind, requested float64) (CheckResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cs, ok := g.components[component]
	if !ok {
		return Reject, coreerr.Contract("governor.Check", "component "+component+" is not registered")
	}

	if !g.auditWritable && !cs.limits.Critical {
		return Reject, nil
	}
	if cs.limits.Critical {
		return Ok, nil
	}

	max, hasMax := cs.limits.MaxUsage[kind]
	if !hasMax {
		return Ok, nil
	}
	projected := cs.usage[kind] + requested
	if projected > max {
		return Reject, nil
	}
	if threshold, hasThreshold := cs.limits.BackpressureThreshold[kind]; hasThreshold && projected > threshold {
		return BackpressureAdvised, nil
	}
	return Ok, nil
}

// RecordUsage sets component's current absolute usage for kind.
func (g *Governor) RecordUsage(component string, kind ResourceKind, value float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cs, ok := g.components[component]
	if !ok {
		return coreerr.Contract("governor.RecordUsage", "component "+component+" is not registered")
	}
	cs.usage[kind] = value
	return nil
}

// SetAuditWritable updates whether the audit partition currently accepts
// writes. Flipping it to false halts Check for every non-critical component
// until it is flipped back — the core's fail-closed response to an
// unwritable audit partition.
func (g *Governor) SetAuditWritable(writable bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.auditWritable != writable {
		g.log.WithField("writable", writable).Warn("governor: audit partition writability changed")
	}
	g.auditWritable = writable
}

// VerifySafe reports whether the system as a whole is in a safe state: the
// audit partition must be writable, and no critical component may have
// exceeded its own quota (critical components are never rejected by Check,
// but breaching their own limits is still an unsafe condition worth
// surfacing rather than silently ignoring).
func (g *Governor) VerifySafe() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.auditWritable {
		return false, "audit partition is not writable"
	}

	for name, cs := range g.components {
		if !cs.limits.Critical {
			continue
		}
		for kind, max := range cs.limits.MaxUsage {
			if cs.usage[kind] > max {
				return false, "critical component " + name + " exceeds its " + string(kind) + " quota"
			}
		}
	}

	return true, ""
}

// ShedCandidates returns the names of non-critical components registered
// for kind, ordered for shedding: ascending Priority, lowest shed first.
// Critical components never appear here.
func (g *Governor) ShedCandidates(kind ResourceKind) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	type candidate struct {
		name     string
		priority int
	}
	var candidates []candidate
	for name, cs := range g.components {
		if cs.limits.Critical {
			continue
		}
		if _, tracked := cs.limits.MaxUsage[kind]; !tracked {
			continue
		}
		candidates = append(candidates, candidate{name: name, priority: cs.limits.Priority})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].name < candidates[j].name
	})

	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.name)
	}
	return names
}

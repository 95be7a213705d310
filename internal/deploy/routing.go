package deploy

import (
	"fmt"
	"hash/fnv"

	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

// bucketCount is the resolution of canary traffic splitting: percentages
// are compared in basis points.
const bucketCount = 10000

// Route is the derived serving state for one ruleset: which version
// takes regular traffic and, optionally, which canary version takes a
// slice of it.
type Route struct {
	ActiveVersion  int
	CanaryVersion  int
	CanaryPct      float64
	CanaryDeployID string
}

// HasCanary reports whether a canary version is currently taking traffic.
func (r Route) HasCanary() bool {
	return r.CanaryVersion != 0 && r.CanaryPct > 0
}

// RoutingTable maps ruleset IDs to their serving state. Tables are
// immutable once built; the manager swaps whole tables atomically.
type RoutingTable struct {
	routes map[string]Route
}

// BuildRoutingTable folds an ordered deployment history into the current
// serving state. Records must be in append order (ascending Seq).
//
//	draft        no routing change
//	canary       set canary version and traffic share
//	active       promote version, clear any canary
//	rolled_back  re-activate the rollback target, clear any canary
func BuildRoutingTable(records []*store.RuleDeployment) *RoutingTable {
	routes := make(map[string]Route)
	for _, rec := range records {
		route := routes[rec.RulesetID]
		switch rec.Status {
		case schema.DeploymentStatusDraft:
			// Drafts are visible in history only.
		case schema.DeploymentStatusCanary:
			route.CanaryVersion = rec.Version
			route.CanaryPct = rec.CanaryPct
			route.CanaryDeployID = rec.ID
		case schema.DeploymentStatusActive:
			route.ActiveVersion = rec.Version
			route.CanaryVersion = 0
			route.CanaryPct = 0
			route.CanaryDeployID = ""
		case schema.DeploymentStatusRolledBack:
			route.ActiveVersion = rec.RollbackTo
			route.CanaryVersion = 0
			route.CanaryPct = 0
			route.CanaryDeployID = ""
		}
		routes[rec.RulesetID] = route
	}
	return &RoutingTable{routes: routes}
}

// Lookup returns the serving state for a ruleset, if any deployment
// history exists for it.
func (t *RoutingTable) Lookup(rulesetID string) (Route, bool) {
	r, ok := t.routes[rulesetID]
	return r, ok
}

// Route picks the version that serves a request. Bucketing is
// deterministic: the same deployment and routing key always land in the
// same bucket, so a given line or station sees a consistent version for
// the lifetime of a canary.
func (t *RoutingTable) Route(rulesetID, routingKey string) (version int, canary bool, err error) {
	route, ok := t.routes[rulesetID]
	if !ok || (route.ActiveVersion == 0 && !route.HasCanary()) {
		return 0, false, schema.NewErrorf(schema.ErrCodeDeployment,
			"no active deployment for ruleset %q", rulesetID)
	}

	if route.HasCanary() && bucket(route.CanaryDeployID, routingKey) < int(route.CanaryPct*bucketCount) {
		return route.CanaryVersion, true, nil
	}
	if route.ActiveVersion == 0 {
		return 0, false, schema.NewErrorf(schema.ErrCodeDeployment,
			"ruleset %q has canary traffic but no active version", rulesetID)
	}
	return route.ActiveVersion, false, nil
}

func bucket(deploymentID, routingKey string) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s:%s", deploymentID, routingKey)
	return int(h.Sum32() % bucketCount)
}

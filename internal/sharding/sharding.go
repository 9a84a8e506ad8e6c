// Package sharding implements the namespace execution engine's consistent
// hash router: each namespace is deterministically owned by exactly one
// indexer node, per spec.md §4.12.
package sharding

import (
	"github.com/cespare/xxhash/v2"

	"github.com/elax-db/elax/internal/errs"
)

// Router maps namespaces to indexer node indices. It is stateless beyond
// TotalIndexers/SelfIndex: node_index = xxhash(namespace) mod
// total_indexers, substituting the teacher's xxhash for the original's
// seahash (see DESIGN.md).
type Router struct {
	totalIndexers int
	selfIndex     int
	// singleNode bypasses redirection entirely: every namespace is owned
	// locally regardless of the hash, per spec.md's single-node-mode note.
	singleNode bool
	// queryNode accepts all namespaces for reads regardless of ownership,
	// per spec.md's "query nodes accept all namespaces" rule.
	queryNode bool
}

// New returns a Router for a node at selfIndex among totalIndexers peers.
func New(totalIndexers, selfIndex int, singleNode, queryNode bool) (*Router, error) {
	if !singleNode {
		if totalIndexers <= 0 {
			return nil, errs.New(errs.Validation, "total_indexers must be positive, got %d", totalIndexers)
		}
		if selfIndex < 0 || selfIndex >= totalIndexers {
			return nil, errs.New(errs.Validation, "self_index %d out of range for %d indexers", selfIndex, totalIndexers)
		}
	}
	return &Router{totalIndexers: totalIndexers, selfIndex: selfIndex, singleNode: singleNode, queryNode: queryNode}, nil
}

// OwnerOf returns the indexer node index responsible for namespace.
func (r *Router) OwnerOf(namespace string) int {
	if r.singleNode {
		return r.selfIndex
	}
	return int(xxhash.Sum64String(namespace) % uint64(r.totalIndexers))
}

// Decision describes whether a request against namespace should be served
// locally or redirected.
type Decision struct {
	ServeLocally bool
	OwnerIndex   int
}

// RouteWrite decides whether a write to namespace belongs on this node.
// Single-node mode always serves locally; query nodes never accept writes
// for a namespace they do not own (writes always require the owner).
func (r *Router) RouteWrite(namespace string) Decision {
	if r.singleNode {
		return Decision{ServeLocally: true, OwnerIndex: r.selfIndex}
	}
	owner := r.OwnerOf(namespace)
	return Decision{ServeLocally: owner == r.selfIndex, OwnerIndex: owner}
}

// RouteRead decides whether a read against namespace should be served
// locally. Query nodes accept every namespace; indexer nodes only accept
// namespaces they own, per spec.md §4.12.
func (r *Router) RouteRead(namespace string) Decision {
	if r.singleNode || r.queryNode {
		return Decision{ServeLocally: true, OwnerIndex: r.OwnerOf(namespace)}
	}
	owner := r.OwnerOf(namespace)
	return Decision{ServeLocally: owner == r.selfIndex, OwnerIndex: owner}
}

// Redirect is the error surfaced by RouteWrite/RouteRead rejections: the
// caller must retry against OwnerIndex, per spec.md §7's "wrong-node write"
// handling (307 redirect naming the correct node).
type Redirect struct {
	Namespace  string
	OwnerIndex int
}

func (r *Redirect) Error() string {
	return errs.New(errs.Misrouted, "namespace %s owned by indexer %d", r.Namespace, r.OwnerIndex).Error()
}

// RequireLocal returns nil if decision is ServeLocally, else a *Redirect
// wrapped as errs.Misrouted for uniform error-taxonomy handling upstream.
func RequireLocal(namespace string, decision Decision) error {
	if decision.ServeLocally {
		return nil
	}
	return errs.Wrap(errs.Misrouted, &Redirect{Namespace: namespace, OwnerIndex: decision.OwnerIndex}, "namespace %s is not owned by this node", namespace)
}

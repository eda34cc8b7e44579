// Package roles keeps the in-memory role registry: which principals hold which roles.
//
// The registry is a fold over RoleGranted/RoleRevoked events. It is locked
// independently of the batch projection, sharded by principal.
package roles

import (
	"sort"
	"sync"

	"halalledger/internal/ledger/models"
	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
	"halalledger/pkg/platform/shardlock"
)

const numShards = 32

type shard struct {
	mu    sync.RWMutex
	roles map[domain.Principal]models.RoleSet
}

// Registry answers role lookups. Safe for concurrent use.
type Registry struct {
	shards [numShards]*shard
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{roles: make(map[domain.Principal]models.RoleSet)}
	}
	return r
}

func (r *Registry) shardFor(p domain.Principal) *shard {
	return r.shards[shardlock.Hash(string(p))%numShards]
}

// HasRole never fails; unknown principals hold no roles.
func (r *Registry) HasRole(p domain.Principal, role models.Role) bool {
	s := r.shardFor(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[p].Has(role)
}

// Roles returns a copy of the principal's role set.
func (r *Registry) Roles(p domain.Principal) models.RoleSet {
	s := r.shardFor(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(models.RoleSet, len(s.roles[p]))
	for role := range s.roles[p] {
		out[role] = struct{}{}
	}
	return out
}

// Members lists principals holding role, sorted.
func (r *Registry) Members(role models.Role) []domain.Principal {
	var out []domain.Principal
	for _, s := range r.shards {
		s.mu.RLock()
		for p, set := range s.roles {
			if set.Has(role) {
				out = append(out, p)
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RequireAdmin is the authorization gate for grant and revoke.
func (r *Registry) RequireAdmin(actor domain.Principal) error {
	if !r.HasRole(actor, models.RoleAdmin) {
		return dErrors.New(dErrors.CodeUnauthorized, "admin role required")
	}
	return nil
}

// Apply folds a role event into the registry. Other kinds are ignored.
// Granting a held role or revoking an unheld one is a no-op.
func (r *Registry) Apply(e models.Event) {
	switch p := e.Payload.(type) {
	case models.RoleGranted:
		s := r.shardFor(p.Principal)
		s.mu.Lock()
		set, ok := s.roles[p.Principal]
		if !ok {
			set = models.RoleSet{}
			s.roles[p.Principal] = set
		}
		set[p.Role] = struct{}{}
		s.mu.Unlock()
	case models.RoleRevoked:
		s := r.shardFor(p.Principal)
		s.mu.Lock()
		if set, ok := s.roles[p.Principal]; ok {
			delete(set, p.Role)
			if len(set) == 0 {
				delete(s.roles, p.Principal)
			}
		}
		s.mu.Unlock()
	}
}

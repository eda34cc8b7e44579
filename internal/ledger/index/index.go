// Package index maintains the secondary lookups over batches: by creator, by current
// owner and by status. Like the batch store it is unlocked; the projection serializes
// writers and readers.
package index

import (
	"halalledger/internal/ledger/store/batch"
	"halalledger/pkg/domain"
)

// idList is an insertion-ordered set of batch ids.
type idList struct {
	ids []domain.BatchID
	pos map[domain.BatchID]int
}

func newIDList() *idList {
	return &idList{pos: make(map[domain.BatchID]int)}
}

func (l *idList) add(id domain.BatchID) {
	if _, ok := l.pos[id]; ok {
		return
	}
	l.pos[id] = len(l.ids)
	l.ids = append(l.ids, id)
}

func (l *idList) remove(id domain.BatchID) {
	i, ok := l.pos[id]
	if !ok {
		return
	}
	l.ids = append(l.ids[:i], l.ids[i+1:]...)
	delete(l.pos, id)
	for j := i; j < len(l.ids); j++ {
		l.pos[l.ids[j]] = j
	}
}

// Index holds the three secondary indices.
type Index struct {
	byCreator map[domain.Principal][]domain.BatchID
	byOwner   map[domain.Principal]*idList
	byStatus  map[string]*idList
}

// New returns empty indices.
func New() *Index {
	return &Index{
		byCreator: make(map[domain.Principal][]domain.BatchID),
		byOwner:   make(map[domain.Principal]*idList),
		byStatus:  make(map[string]*idList),
	}
}

// Created seeds all three indices for a new batch.
func (x *Index) Created(id domain.BatchID, producer domain.Principal, status string) {
	x.byCreator[producer] = append(x.byCreator[producer], id)
	listFor(x.byOwner, producer).add(id)
	listFor(x.byStatus, status).add(id)
}

// OwnerChanged moves id between owner buckets.
func (x *Index) OwnerChanged(id domain.BatchID, from, to domain.Principal) {
	drop(x.byOwner, from, id)
	listFor(x.byOwner, to).add(id)
}

// StatusChanged moves id between status buckets.
func (x *Index) StatusChanged(id domain.BatchID, from, to string) {
	drop(x.byStatus, from, id)
	listFor(x.byStatus, to).add(id)
}

// ByCreator lists ids created by p in creation order.
func (x *Index) ByCreator(p domain.Principal, start, limit int) []domain.BatchID {
	return batch.Page(x.byCreator[p], start, limit)
}

// CountByCreator returns how many batches p created.
func (x *Index) CountByCreator(p domain.Principal) int {
	return len(x.byCreator[p])
}

// ByOwner lists ids currently held by p, in the order custody was received.
func (x *Index) ByOwner(p domain.Principal, start, limit int) []domain.BatchID {
	l, ok := x.byOwner[p]
	if !ok {
		return []domain.BatchID{}
	}
	return batch.Page(l.ids, start, limit)
}

// ByStatus lists ids whose current status is status, in the order they entered it.
func (x *Index) ByStatus(status string, start, limit int) []domain.BatchID {
	l, ok := x.byStatus[status]
	if !ok {
		return []domain.BatchID{}
	}
	return batch.Page(l.ids, start, limit)
}

func listFor[K comparable](m map[K]*idList, key K) *idList {
	l, ok := m[key]
	if !ok {
		l = newIDList()
		m[key] = l
	}
	return l
}

func drop[K comparable](m map[K]*idList, key K, id domain.BatchID) {
	l, ok := m[key]
	if !ok {
		return
	}
	l.remove(id)
	if len(l.ids) == 0 {
		delete(m, key)
	}
}

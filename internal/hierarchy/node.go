package hierarchy

import (
	"sort"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/models"
)

// node is one cached directory: its own value, a membership map of its
// children and the instant after which that membership must be re-validated.
// Each node carries its own lock; there is no tree-wide lock.
type node[T any, C any] struct {
	value T

	mu       sync.RWMutex
	children map[string]C
	expires  time.Time
}

func newNode[T any, C any](value T, now time.Time) *node[T, C] {
	return &node[T, C]{
		value:    value,
		children: make(map[string]C),
		expires:  now,
	}
}

func (n *node[T, C]) child(id string) (C, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.children[id]
	return c, ok
}

// putIfAbsent inserts c unless id is already present and returns the
// resident child.
func (n *node[T, C]) putIfAbsent(id string, c C) C {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.children[id]; ok {
		return cur
	}
	n.children[id] = c
	return c
}

func (n *node[T, C]) remove(id string) {
	n.mu.Lock()
	delete(n.children, id)
	n.mu.Unlock()
}

// snapshot returns the children sorted by id.
func (n *node[T, C]) snapshot() []C {
	n.mu.RLock()
	ids := make([]string, 0, len(n.children))
	for id := range n.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]C, 0, len(ids))
	for _, id := range ids {
		out = append(out, n.children[id])
	}
	n.mu.RUnlock()
	return out
}

func (n *node[T, C]) stale(now time.Time) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.expires.After(now)
}

func (n *node[T, C]) setExpires(t time.Time) {
	n.mu.Lock()
	n.expires = t
	n.mu.Unlock()
}

// replaceMembership drops children missing from fresh, adds fresh ids not
// yet cached via mk, leaves survivors untouched and moves expiry to until.
func replaceMembership[T any, C any, F any](n *node[T, C], fresh []F, key func(F) string, mk func(F) C, until time.Time) {
	want := make(map[string]F, len(fresh))
	for _, f := range fresh {
		want[key(f)] = f
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for id := range n.children {
		if _, ok := want[id]; !ok {
			delete(n.children, id)
		}
	}
	for id, f := range want {
		if _, ok := n.children[id]; !ok {
			n.children[id] = mk(f)
		}
	}
	n.expires = until
}

type datasetNode = node[struct{}, *storeNode]

type storeNode struct {
	*node[models.Store, *studyNode]

	tempMu sync.RWMutex
	temps  map[string]*InstanceContent
}

func newStoreNode(s models.Store, now time.Time) *storeNode {
	return &storeNode{
		node:  newNode[models.Store, *studyNode](s, now),
		temps: make(map[string]*InstanceContent),
	}
}

type studyNode struct {
	*node[models.Study, *seriesNode]
}

func newStudyNode(s models.Study, now time.Time) *studyNode {
	return &studyNode{newNode[models.Study, *seriesNode](s, now)}
}

type seriesNode struct {
	*node[models.Series, *InstanceContent]
}

func newSeriesNode(s models.Series, now time.Time) *seriesNode {
	return &seriesNode{newNode[models.Series, *InstanceContent](s, now)}
}

// Package lru is a least-recently-used map bounded by entry count and,
// optionally, by the summed cost of its values. It is not safe for
// concurrent use; see concurrent_lru.
package lru

import (
	"fmt"

	"github.com/pmkol/secdata/pkg/list"
)

type Opts[K comparable, V any] struct {
	// MaxSize is the maximum number of entries. Required.
	MaxSize int

	// MaxCost bounds the sum of Cost over all entries. Zero or a nil Cost
	// disables the bound.
	MaxCost int64
	Cost    func(v V) int64

	// OnEvict is called for every entry that leaves the map, whether by
	// eviction, Del or Clean.
	OnEvict func(key K, v V)
}

type LRU[K comparable, V any] struct {
	opts Opts[K, V]
	cost int64

	l *list.List[item[K, V]]
	m map[K]*list.Elem[item[K, V]]
}

type item[K comparable, V any] struct {
	key  K
	v    V
	cost int64
}

func NewLRU[K comparable, V any](opts Opts[K, V]) *LRU[K, V] {
	if opts.MaxSize <= 0 {
		panic(fmt.Sprintf("lru: invalid max size: %d", opts.MaxSize))
	}
	if opts.MaxCost < 0 {
		panic(fmt.Sprintf("lru: invalid max cost: %d", opts.MaxCost))
	}
	return &LRU[K, V]{
		opts: opts,
		l:    list.New[item[K, V]](),
		m:    make(map[K]*list.Elem[item[K, V]]),
	}
}

func (q *LRU[K, V]) costOf(v V) int64 {
	if q.opts.Cost == nil || q.opts.MaxCost == 0 {
		return 0
	}
	return q.opts.Cost(v)
}

// Add inserts or replaces key and evicts the least recently used entries
// until both bounds hold. A value whose cost alone exceeds MaxCost is not
// stored, any previous value of key is removed, and Add reports false.
func (q *LRU[K, V]) Add(key K, v V) bool {
	c := q.costOf(v)
	if q.opts.MaxCost > 0 && c > q.opts.MaxCost {
		q.Del(key)
		return false
	}

	if e, ok := q.m[key]; ok {
		q.cost += c - e.Value.cost
		e.Value.v, e.Value.cost = v, c
		q.l.MoveToBack(e)
	} else {
		e := list.NewElem(item[K, V]{key: key, v: v, cost: c})
		q.m[key] = e
		q.l.PushBack(e)
		q.cost += c
	}

	for q.l.Len() > q.opts.MaxSize || (q.opts.MaxCost > 0 && q.cost > q.opts.MaxCost) {
		q.delElem(q.l.Front())
	}
	return true
}

func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.MoveToBack(e)
	return e.Value.v, true
}

// Peek is Get without touching the recency order.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.Value.v, true
}

func (q *LRU[K, V]) Del(key K) bool {
	e := q.m[key]
	if e == nil {
		return false
	}
	q.delElem(e)
	return true
}

// Clean removes every entry for which f returns true.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	for e := q.l.Front(); e != nil; {
		next := e.Next()
		if f(e.Value.key, e.Value.v) {
			q.delElem(e)
			removed++
		}
		e = next
	}
	return removed
}

func (q *LRU[K, V]) Len() int {
	return q.l.Len()
}

// Cost is the summed cost of all entries.
func (q *LRU[K, V]) Cost() int64 {
	return q.cost
}

func (q *LRU[K, V]) delElem(e *list.Elem[item[K, V]]) {
	it := e.Value
	q.l.PopElem(e)
	delete(q.m, it.key)
	q.cost -= it.cost
	if q.opts.OnEvict != nil {
		q.opts.OnEvict(it.key, it.v)
	}
}

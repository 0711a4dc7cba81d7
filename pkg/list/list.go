// Package list is an intrusive doubly linked list used by the lru package.
// Elements are allocated by the caller so they can be recycled on eviction.
package list

type Elem[V any] struct {
	Value V

	prev, next *Elem[V]
	list       *List[V]
}

func NewElem[V any](v V) *Elem[V] {
	return &Elem[V]{Value: v}
}

// Next returns the element after e, or nil at the back.
func (e *Elem[V]) Next() *Elem[V] {
	return e.next
}

func (e *Elem[V]) Prev() *Elem[V] {
	return e.prev
}

type List[V any] struct {
	front, back *Elem[V]
	length      int
}

func New[V any]() *List[V] {
	return &List[V]{}
}

func (l *List[V]) Front() *Elem[V] {
	return l.front
}

func (l *List[V]) Back() *Elem[V] {
	return l.back
}

func (l *List[V]) Len() int {
	return l.length
}

func (l *List[V]) PushBack(e *Elem[V]) *Elem[V] {
	if e.list != nil {
		panic("elem is already in a list")
	}
	l.length++
	e.list = l

	if l.back == nil {
		l.front, l.back = e, e
		return e
	}
	e.prev = l.back
	l.back.next = e
	l.back = e
	return e
}

// MoveToBack marks e as the most recently used element.
func (l *List[V]) MoveToBack(e *Elem[V]) {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	if l.back == e {
		return
	}
	l.unlink(e)
	l.length++
	e.list = l
	e.prev = l.back
	l.back.next = e
	l.back = e
}

// PopElem removes e from the list and returns it detached.
func (l *List[V]) PopElem(e *Elem[V]) *Elem[V] {
	if e.list != l {
		panic("elem does not belong to this list")
	}
	l.unlink(e)
	return e
}

func (l *List[V]) unlink(e *Elem[V]) {
	l.length--
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.front = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.back = e.prev
	}
	e.prev, e.next, e.list = nil, nil, nil
}

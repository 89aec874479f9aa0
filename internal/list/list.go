// ============================================================================
// rtsd Ordered List - Scheduling/Ordering Primitive
// ============================================================================
//
// Package: internal/list
// File: list.go
// Purpose: Singly linked container ordered by an injected comparison
//
// Ownership:
//   The list owns its node chain and nothing else. Elements are stored by
//   value; callers store pointers, so the pointed-to objects are borrowed and
//   must outlive their presence in the list. Removing a node never touches
//   the element.
//
// Ordering:
//   - AddSorted keeps ascending order; an element equal to existing ones is
//     placed after all of them.
//   - Sort is a merge sort: fast/slow split (the extra node stays in the
//     front half), recursive sort of both halves, iterative merge. When the
//     heads of the two halves compare equal the merge takes from the second
//     half, so Sort is not stable across halves.
//
// Memory:
//   A node allocation failure aborts the process (Go runtime out-of-memory).
//   There is no error path.
//
// ============================================================================

package list

import "iter"

// Compare orders two elements: negative if a < b, zero if equal, positive if
// a > b.
type Compare[T any] func(a, b T) int

type node[T any] struct {
	elem T
	next *node[T]
}

// List is an ordered singly linked list. The zero value is an empty list
// ready to use.
type List[T any] struct {
	n    int
	head *node[T]
}

// New returns an empty list.
func New[T any]() *List[T] {
	return &List[T]{}
}

// Init resets l to the empty state. Nodes still linked are dropped.
func (l *List[T]) Init() {
	l.n = 0
	l.head = nil
}

// IsEmpty reports whether the list holds no element.
func (l *List[T]) IsEmpty() bool {
	return l.n == 0
}

// Len returns the number of elements.
func (l *List[T]) Len() int {
	return l.n
}

// AddTop pushes e at the front in O(1) without maintaining order.
func (l *List[T]) AddTop(e T) {
	l.head = &node[T]{elem: e, next: l.head}
	l.n++
}

// AddSorted inserts e keeping the list ascending under cmp. If e compares
// equal to existing elements it is placed after the last of them.
func (l *List[T]) AddSorted(e T, cmp Compare[T]) {
	if l.head == nil || cmp(e, l.head.elem) < 0 {
		l.AddTop(e)
		return
	}

	prec := l.head
	seek := l.head.next
	for seek != nil && cmp(e, seek.elem) >= 0 {
		prec = seek
		seek = seek.next
	}

	prec.next = &node[T]{elem: e, next: seek}
	l.n++
}

// RemoveTop unlinks the first node. No-op on an empty list.
func (l *List[T]) RemoveTop() {
	if l.head == nil {
		return
	}
	n := l.head
	l.head = n.next
	n.next = nil
	l.n--
}

// Top returns the first element, or false when the list is empty.
func (l *List[T]) Top() (T, bool) {
	if l.head == nil {
		var zero T
		return zero, false
	}
	return l.head.elem, true
}

// At returns the i-th element (zero based), or false if i is out of range.
func (l *List[T]) At(i int) (T, bool) {
	if i < 0 || i >= l.n {
		var zero T
		return zero, false
	}
	n := l.head
	for j := 0; j < i; j++ {
		n = n.next
	}
	return n.elem, true
}

// Search returns the first element x for which cmp(x, e) == 0.
func (l *List[T]) Search(e T, cmp Compare[T]) (T, bool) {
	for n := l.head; n != nil; n = n.next {
		if cmp(n.elem, e) == 0 {
			return n.elem, true
		}
	}
	var zero T
	return zero, false
}

// Sort reorders the whole list in place under cmp.
func (l *List[T]) Sort(cmp Compare[T]) {
	l.head = mergeSort(l.head, cmp)
}

// Clear releases every node. Elements are left untouched.
func (l *List[T]) Clear() {
	for n := l.head; n != nil; {
		next := n.next
		n.next = nil
		n = next
	}
	l.Init()
}

// All iterates the elements from the head.
func (l *List[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for n := l.head; n != nil; n = n.next {
			if !yield(n.elem) {
				return
			}
		}
	}
}

// Slice copies the elements into a new slice, head first.
func (l *List[T]) Slice() []T {
	out := make([]T, 0, l.n)
	for e := range l.All() {
		out = append(out, e)
	}
	return out
}

// split cuts the chain starting at h into two halves using a fast/slow scan.
// For an odd length the extra node stays in the front half.
func split[T any](h *node[T]) (front, back *node[T]) {
	slow := h
	fast := h.next
	for fast != nil {
		fast = fast.next
		if fast != nil {
			slow = slow.next
			fast = fast.next
		}
	}
	back = slow.next
	slow.next = nil
	return h, back
}

// merge splices two sorted chains. The head of a is taken only when it is
// strictly less than the head of b.
func merge[T any](a, b *node[T], cmp Compare[T]) *node[T] {
	var head node[T]
	tail := &head
	for a != nil && b != nil {
		if cmp(a.elem, b.elem) < 0 {
			tail.next = a
			a = a.next
		} else {
			tail.next = b
			b = b.next
		}
		tail = tail.next
	}
	if a != nil {
		tail.next = a
	} else {
		tail.next = b
	}
	return head.next
}

func mergeSort[T any](h *node[T], cmp Compare[T]) *node[T] {
	if h == nil || h.next == nil {
		return h
	}
	front, back := split(h)
	return merge(mergeSort(front, cmp), mergeSort(back, cmp), cmp)
}

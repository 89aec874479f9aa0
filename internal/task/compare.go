package task

import "github.com/ChuLiYu/rtsd/internal/list"

// Param selects the task field used for ordering.
type Param int

const (
	ByPeriod Param = iota
	ByWCET
	ByDeadline
	ByPriority
)

// Direction of an ordering: Asc (+1) or Dsc (-1).
type Direction int

const (
	Asc Direction = 1
	Dsc Direction = -1
)

func cmpOrdered[N uint32 | uint64](a, b N) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// CmpByPeriod orders by period, ascending.
func CmpByPeriod(a, b *Task) int { return cmpOrdered(a.period, b.period) }

// CmpByWCET orders by worst-case execution time, ascending.
func CmpByWCET(a, b *Task) int { return cmpOrdered(a.wcet, b.wcet) }

// CmpByDeadline orders by relative deadline, ascending.
func CmpByDeadline(a, b *Task) int { return cmpOrdered(a.deadline, b.deadline) }

// CmpByPriority orders by priority, ascending.
func CmpByPriority(a, b *Task) int { return cmpOrdered(a.priority, b.priority) }

// Cmp compares a and b on p in direction dir. An invalid direction counts
// as ascending; an unknown parameter falls back to priority.
func Cmp(a, b *Task, p Param, dir Direction) int {
	if dir != Asc && dir != Dsc {
		dir = Asc
	}

	switch p {
	case ByPeriod:
		return int(dir) * CmpByPeriod(a, b)
	case ByWCET:
		return int(dir) * CmpByWCET(a, b)
	case ByDeadline:
		return int(dir) * CmpByDeadline(a, b)
	default:
		return int(dir) * CmpByPriority(a, b)
	}
}

// Comparator returns a list ordering over tasks, e.g. ByPeriod/Asc for rate
// monotonic or ByDeadline/Asc for deadline monotonic ordering.
func Comparator(p Param, dir Direction) list.Compare[*Task] {
	return func(a, b *Task) int { return Cmp(a, b, p, dir) }
}

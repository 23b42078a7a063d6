// Package depgraph computes a deterministic calculation order for a
// statement template's line items using Kahn's algorithm, breaking ties
// lexically by line item code so the same template always produces the same
// order regardless of map iteration. Time-shifted self/cross references
// (CODE[t-1]) are treated as external: they read a prior period's already
// finalized value, so they never participate in the same-period ordering.
package depgraph

import (
	"container/heap"
	"sort"

	"github.com/example/finengine/internal/finengine/errs"
)

// Node is one line item in the graph: its code and the set of same-period
// references its formula depends on (time-shifted references excluded by
// the caller before building the graph).
type Node struct {
	Code      string
	DependsOn []string
}

// TopoSort returns nodes ordered so that every dependency appears before
// its dependents, breaking ties lexically by code. References to codes not
// present in nodes are treated as external inputs (drivers, cross-statement
// values) and impose no ordering constraint.
func TopoSort(nodes []Node) ([]string, error) {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.Code] = true
	}

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		if _, ok := inDegree[n.Code]; !ok {
			inDegree[n.Code] = 0
		}
		for _, dep := range n.DependsOn {
			if !known[dep] || dep == n.Code {
				continue
			}
			inDegree[n.Code]++
			dependents[dep] = append(dependents[dep], n.Code)
		}
	}

	ready := &stringHeap{}
	for code, deg := range inDegree {
		if deg == 0 {
			heap.Push(ready, code)
		}
	}

	order := make([]string, 0, len(nodes))
	for ready.Len() > 0 {
		code := heap.Pop(ready).(string)
		order = append(order, code)
		for _, dep := range dependents[code] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, &errs.CircularDependencyError{Codes: findCycle(nodes, known)}
	}

	return order, nil
}

// findCycle locates one concrete cycle to report, via DFS with a recursion
// stack, for a more actionable error than "some subset failed to sort".
func findCycle(nodes []Node, known map[string]bool) []string {
	adjacency := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if known[dep] && dep != n.Code {
				adjacency[n.Code] = append(adjacency[n.Code], dep)
			}
		}
	}
	for code := range adjacency {
		sort.Strings(adjacency[code])
	}

	codes := make([]string, 0, len(nodes))
	for _, n := range nodes {
		codes = append(codes, n.Code)
	}
	sort.Strings(codes)

	visited := make(map[string]int) // 0=unvisited 1=in-stack 2=done
	var stack []string

	var visit func(string) []string
	visit = func(code string) []string {
		visited[code] = 1
		stack = append(stack, code)
		for _, dep := range adjacency[code] {
			switch visited[dep] {
			case 1:
				// Found the back edge; slice the stack to the cycle's start.
				for i, c := range stack {
					if c == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case 0:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		stack = stack[:len(stack)-1]
		visited[code] = 2
		return nil
	}

	for _, code := range codes {
		if visited[code] == 0 {
			if cyc := visit(code); cyc != nil {
				return cyc
			}
		}
	}
	return codes
}

// stringHeap is a min-heap over strings, giving Kahn's algorithm a
// deterministic lexical tie-break among simultaneously ready nodes.
type stringHeap []string

func (h stringHeap) Len() int            { return len(h) }
func (h stringHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h stringHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *stringHeap) Push(x interface{}) { *h = append(*h, x.(string)) }
func (h *stringHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

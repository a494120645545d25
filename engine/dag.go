package engine

// StepNode is the minimal shape TopoSort and GroupIntoBatches need from a
// Step: its id and declared dependencies.
type StepNode struct {
	ID   string
	Deps []string
}

// TopoSort orders nodes by Kahn's algorithm. When multiple nodes have
// indegree zero, they are processed in input order, making the result
// fully deterministic for a given input slice.
func TopoSort(nodes []StepNode) ([]StepNode, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := index[n.ID]; dup {
			return nil, &DAGError{Code: ErrDuplicateStepID, StepID: n.ID}
		}
		index[n.ID] = i
	}

	for _, n := range nodes {
		for _, dep := range n.Deps {
			if _, ok := index[dep]; !ok {
				return nil, &DAGError{Code: ErrMissingDependency, StepID: n.ID, Missing: dep}
			}
		}
	}

	indegree := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, n := range nodes {
		indegree[i] = len(n.Deps)
		for _, dep := range n.Deps {
			di := index[dep]
			dependents[di] = append(dependents[di], i)
		}
	}

	var queue []int
	for i := range nodes {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	var ordered []StepNode
	for len(queue) > 0 {
		// Pop in input order: always take the smallest index present, since
		// new zero-indegree nodes are inserted in index order (insertSorted)
		// and we take from the front.
		cur := queue[0]
		queue = queue[1:]
		ordered = append(ordered, nodes[cur])

		for _, dep := range dependents[cur] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = insertSorted(queue, dep)
			}
		}
	}

	if len(ordered) != len(nodes) {
		var cycle []string
		for i, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, nodes[i].ID)
			}
		}
		return nil, &DAGError{Code: ErrCycleDetected, Cycle: cycle}
	}

	return ordered, nil
}

// insertSorted inserts v into the ascending-sorted slice q, preserving the
// input-order tie-break TopoSort needs among simultaneously-ready nodes.
func insertSorted(q []int, v int) []int {
	i := 0
	for i < len(q) && q[i] < v {
		i++
	}
	q = append(q, 0)
	copy(q[i+1:], q[i:])
	q[i] = v
	return q
}

// GroupIntoBatches partitions an already-topologically-sorted slice into
// level batches: level(s) = 0 if no deps, else 1 + max(level(d) for d in
// deps). Every step in a batch is independent and may run in parallel.
func GroupIntoBatches(sorted []StepNode) [][]StepNode {
	level := make(map[string]int, len(sorted))
	maxLevel := 0
	for _, n := range sorted {
		l := 0
		for _, dep := range n.Deps {
			if dl, ok := level[dep]; ok && dl+1 > l {
				l = dl + 1
			}
		}
		level[n.ID] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	batches := make([][]StepNode, maxLevel+1)
	for _, n := range sorted {
		l := level[n.ID]
		batches[l] = append(batches[l], n)
	}
	return batches
}

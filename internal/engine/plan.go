package engine

import (
	"fmt"

	"github.com/detectforge/responder/internal/runbook"
)

// dependencyLevels groups steps into waves: level n holds every step whose
// dependencies all sit in earlier levels. Order inside a level follows the
// playbook's declaration order. The loader's validator already rejects cycles
// and unknown ids; errors here mean the playbook changed after load.
func dependencyLevels(steps []runbook.Step) ([][]runbook.Step, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}

	const (
		unvisited = iota
		visiting
		done
	)
	depth := make([]int, len(steps))
	state := make([]int, len(steps))

	var visit func(i int) (int, error)
	visit = func(i int) (int, error) {
		switch state[i] {
		case done:
			return depth[i], nil
		case visiting:
			return 0, fmt.Errorf("dependency cycle through step %q", steps[i].ID)
		}
		state[i] = visiting
		d := 0
		for _, dep := range steps[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				return 0, fmt.Errorf("step %q depends on unknown step %q", steps[i].ID, dep)
			}
			dd, err := visit(j)
			if err != nil {
				return 0, err
			}
			if dd+1 > d {
				d = dd + 1
			}
		}
		state[i] = done
		depth[i] = d
		return d, nil
	}

	deepest := 0
	for i := range steps {
		d, err := visit(i)
		if err != nil {
			return nil, err
		}
		if d > deepest {
			deepest = d
		}
	}

	levels := make([][]runbook.Step, deepest+1)
	for i, s := range steps {
		levels[depth[i]] = append(levels[depth[i]], s)
	}
	return levels, nil
}

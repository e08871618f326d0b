package taskflow

import (
	"fmt"
	"sort"
)

// Edge connects the result of Upstream to the input named Key of Downstream.
// A mapped edge fans Downstream out over the elements of the upstream result.
type Edge struct {
	Upstream   *Task  `json:"-"`
	Downstream *Task  `json:"-"`
	Key        string `json:"key"`
	Mapped     bool   `json:"mapped,omitempty"`
}

// NewEdge returns an edge feeding upstream into the input key of downstream.
func NewEdge(upstream, downstream *Task, key string) *Edge {
	return &Edge{Upstream: upstream, Downstream: downstream, Key: key}
}

// NewMappedEdge returns an edge that maps downstream over upstream's result.
func NewMappedEdge(upstream, downstream *Task, key string) *Edge {
	return &Edge{Upstream: upstream, Downstream: downstream, Key: key, Mapped: true}
}

func (e *Edge) String() string {
	return fmt.Sprintf("%s -> %s.%s", e.Upstream.Name, e.Downstream.Name, e.Key)
}

// GraphOptions are used to configure a graph.
type GraphOptions struct {
	Name  string
	Tasks []*Task
	Edges []*Edge
}

// Graph is an immutable DAG of tasks and edges. It is safe for concurrent
// read access.
type Graph struct {
	name        string
	tasks       []*Task
	tasksByName map[string]*Task
	edges       []*Edge
	edgesFrom   map[*Task][]*Edge
	edgesInto   map[*Task][]*Edge
	mapped      map[*Task]bool
	order       []*Task
}

// NewGraph returns a validated Graph built from the given options.
func NewGraph(opts GraphOptions) (*Graph, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("graph name required")
	}
	if len(opts.Tasks) == 0 {
		return nil, fmt.Errorf("tasks required")
	}

	g := &Graph{
		name:        opts.Name,
		tasks:       opts.Tasks,
		tasksByName: make(map[string]*Task, len(opts.Tasks)),
		edges:       opts.Edges,
		edgesFrom:   make(map[*Task][]*Edge, len(opts.Tasks)),
		edgesInto:   make(map[*Task][]*Edge, len(opts.Tasks)),
		mapped:      map[*Task]bool{},
	}
	members := make(map[*Task]bool, len(opts.Tasks))
	for _, task := range opts.Tasks {
		if task == nil || task.Name == "" {
			return nil, fmt.Errorf("task name required")
		}
		if task.IsConstant() {
			return nil, fmt.Errorf("constant %q cannot be added as a graph task", task.Name)
		}
		if _, exists := g.tasksByName[task.Name]; exists {
			return nil, fmt.Errorf("duplicate task name: %q", task.Name)
		}
		if !task.IsParameter() && task.Fn == nil {
			return nil, fmt.Errorf("task %q has no function", task.Name)
		}
		g.tasksByName[task.Name] = task
		g.edgesFrom[task] = nil
		g.edgesInto[task] = nil
		members[task] = true
	}

	inputKeys := map[*Task]map[string]bool{}
	for _, edge := range opts.Edges {
		if edge == nil || edge.Upstream == nil || edge.Downstream == nil {
			return nil, fmt.Errorf("edge requires upstream and downstream tasks")
		}
		if edge.Key == "" {
			return nil, fmt.Errorf("edge %s -> %s requires an input key", edge.Upstream.Name, edge.Downstream.Name)
		}
		if !members[edge.Downstream] {
			return nil, fmt.Errorf("edge downstream %q is not part of the graph", edge.Downstream.Name)
		}
		if edge.Downstream.IsParameter() {
			return nil, fmt.Errorf("parameter %q cannot have inputs", edge.Downstream.Name)
		}
		if !members[edge.Upstream] && !edge.Upstream.IsConstant() {
			return nil, fmt.Errorf("edge upstream %q is not part of the graph", edge.Upstream.Name)
		}
		if edge.Upstream == edge.Downstream {
			return nil, fmt.Errorf("self-referential edge not allowed: %s", edge)
		}
		keys, ok := inputKeys[edge.Downstream]
		if !ok {
			keys = map[string]bool{}
			inputKeys[edge.Downstream] = keys
		}
		if keys[edge.Key] {
			return nil, fmt.Errorf("duplicate input %q for task %q", edge.Key, edge.Downstream.Name)
		}
		keys[edge.Key] = true

		if members[edge.Upstream] {
			g.edgesFrom[edge.Upstream] = append(g.edgesFrom[edge.Upstream], edge)
		}
		g.edgesInto[edge.Downstream] = append(g.edgesInto[edge.Downstream], edge)
		if edge.Mapped {
			g.mapped[edge.Downstream] = true
		}
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// Name returns the graph name
func (g *Graph) Name() string {
	return g.name
}

// Tasks returns the graph tasks in registration order
func (g *Graph) Tasks() []*Task {
	return g.tasks
}

// Edges returns every edge of the graph
func (g *Graph) Edges() []*Edge {
	return g.edges
}

// Task returns a task by name
func (g *Graph) Task(name string) (*Task, bool) {
	task, ok := g.tasksByName[name]
	return task, ok
}

// TaskNames returns the sorted names of all tasks in the graph
func (g *Graph) TaskNames() []string {
	names := make([]string, 0, len(g.tasksByName))
	for name := range g.tasksByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Contains reports whether the task is registered in the graph.
func (g *Graph) Contains(task *Task) bool {
	_, ok := g.edgesFrom[task]
	return ok
}

// EdgesFrom returns the outgoing edges of a task.
func (g *Graph) EdgesFrom(task *Task) ([]*Edge, error) {
	edges, ok := g.edgesFrom[task]
	if !ok {
		return nil, &UnknownTaskError{Task: task.Name}
	}
	return edges, nil
}

// EdgesInto returns the incoming edges of a task.
func (g *Graph) EdgesInto(task *Task) ([]*Edge, error) {
	edges, ok := g.edgesInto[task]
	if !ok {
		return nil, &UnknownTaskError{Task: task.Name}
	}
	return edges, nil
}

// IsMapped reports whether the task fans out over a mapped edge.
func (g *Graph) IsMapped(task *Task) bool {
	return g.mapped[task]
}

// SortedTasks returns the tasks in a deterministic topological order.
func (g *Graph) SortedTasks() []*Task {
	return g.order
}

// topologicalOrder runs Kahn's algorithm, breaking ties by registration
// order, and reports a cycle if any task is left unvisited.
func (g *Graph) topologicalOrder() ([]*Task, error) {
	position := make(map[*Task]int, len(g.tasks))
	for i, task := range g.tasks {
		position[task] = i
	}
	indegree := make(map[*Task]int, len(g.tasks))
	for _, task := range g.tasks {
		for _, upstream := range g.upstreamTasks(task) {
			if g.Contains(upstream) {
				indegree[task]++
			}
		}
	}

	var ready []*Task
	for _, task := range g.tasks {
		if indegree[task] == 0 {
			ready = append(ready, task)
		}
	}
	order := make([]*Task, 0, len(g.tasks))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		task := ready[0]
		ready = ready[1:]
		order = append(order, task)
		for _, downstream := range g.downstreamTasks(task) {
			indegree[downstream]--
			if indegree[downstream] == 0 {
				ready = append(ready, downstream)
			}
		}
	}
	if len(order) != len(g.tasks) {
		for _, task := range g.tasks {
			if indegree[task] > 0 {
				return nil, fmt.Errorf("cycle detected involving task %q", task.Name)
			}
		}
	}
	return order, nil
}

// upstreamTasks returns the distinct upstream tasks of a task, constants
// included.
func (g *Graph) upstreamTasks(task *Task) []*Task {
	seen := map[*Task]bool{}
	var tasks []*Task
	for _, edge := range g.edgesInto[task] {
		if !seen[edge.Upstream] {
			seen[edge.Upstream] = true
			tasks = append(tasks, edge.Upstream)
		}
	}
	return tasks
}

// downstreamTasks returns the distinct downstream tasks of a task.
func (g *Graph) downstreamTasks(task *Task) []*Task {
	seen := map[*Task]bool{}
	var tasks []*Task
	for _, edge := range g.edgesFrom[task] {
		if !seen[edge.Downstream] {
			seen[edge.Downstream] = true
			tasks = append(tasks, edge.Downstream)
		}
	}
	return tasks
}

package graph

// Listener observes a Walk.
type Listener interface {
	// OnNodeEnter is called before a node's children are walked.
	// alreadyVisited is true when the node was entered earlier in the walk.
	OnNodeEnter(node *Node, alreadyVisited bool)
	OnNodeExit(node *Node)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Enter func(node *Node, alreadyVisited bool)
	Exit  func(node *Node)
}

func (l ListenerFuncs) OnNodeEnter(node *Node, alreadyVisited bool) {
	if l.Enter != nil {
		l.Enter(node, alreadyVisited)
	}
}

func (l ListenerFuncs) OnNodeExit(node *Node) {
	if l.Exit != nil {
		l.Exit(node)
	}
}

// Walker performs depth-first walks over a forest and notifies listeners.
type Walker struct {
	listeners []Listener
}

// NewWalker returns a Walker notifying listeners in order.
func NewWalker(listeners ...Listener) *Walker {
	return &Walker{listeners: listeners}
}

// AddListener registers another listener.
func (w *Walker) AddListener(l Listener) {
	w.listeners = append(w.listeners, l)
}

// Walk visits every root. One visited set spans the whole forest; shared
// nodes are entered again with alreadyVisited set and their children are
// still walked.
func (w *Walker) Walk(roots []*Node) {
	visited := make(map[Key]struct{})
	for _, r := range roots {
		w.walk(r, visited)
	}
}

func (w *Walker) walk(n *Node, visited map[Key]struct{}) {
	k := n.Value.Key()
	_, seen := visited[k]
	visited[k] = struct{}{}
	for _, l := range w.listeners {
		l.OnNodeEnter(n, seen)
	}
	for _, c := range n.Children {
		w.walk(c, visited)
	}
	for _, l := range w.listeners {
		l.OnNodeExit(n)
	}
}

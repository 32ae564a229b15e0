package trace

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/timer"
	"github.com/nicktill/tinyapm/pkg/timertree"
)

// liveNode is one timer in a transaction's tree. Children are published
// copy-on-write so snapshot readers never see a half-built slice.
type liveNode struct {
	timer    *timer.Timer
	parent   *liveNode
	children atomic.Pointer[[]*liveNode]
}

func newLiveNode(name string, ticker timer.Ticker, parent *liveNode) *liveNode {
	return &liveNode{timer: timer.New(name, ticker), parent: parent}
}

func (n *liveNode) child(name string) *liveNode {
	if kids := n.children.Load(); kids != nil {
		for _, c := range *kids {
			if c.timer.Name() == name {
				return c
			}
		}
	}
	return nil
}

// addChild is called by the owning goroutine only.
func (n *liveNode) addChild(c *liveNode) {
	var next []*liveNode
	if kids := n.children.Load(); kids != nil {
		next = make([]*liveNode, len(*kids), len(*kids)+1)
		copy(next, *kids)
	}
	next = append(next, c)
	n.children.Store(&next)
}

func (n *liveNode) snapshot(now int64) *timertree.Node {
	s := n.timer.SnapshotAt(now)
	out := timertree.New(s.Name)
	out.Record(s.Total, s.Min, s.Max, s.Count)
	if kids := n.children.Load(); kids != nil {
		for _, c := range *kids {
			cs := c.snapshot(now)
			if cs.Count == 0 {
				continue
			}
			timertree.MergeInto(out.ChildOrCreate(cs.Name), cs)
		}
	}
	return out
}

// Transaction is one unit of work being timed. Its timers are driven by
// the goroutine that started it; Snapshot may be called from anywhere.
type Transaction struct {
	id     TraceID
	typ    string
	name   string
	start  time.Time
	ticker timer.Ticker
	tracer *Tracer

	root    *liveNode
	current *liveNode // owner only

	errMsg  atomic.Pointer[string]
	stats   atomic.Pointer[ThreadStats]
	endTick atomic.Int64
	ended   atomic.Bool
	// stopped is set once every timer is stopped and endTick is stored.
	stopped atomic.Bool

	mu      sync.Mutex
	attrs   map[string]string
	profile *profile.Node
}

// ID returns the trace ID.
func (tx *Transaction) ID() TraceID { return tx.id }

// Type returns the transaction type.
func (tx *Transaction) Type() string { return tx.typ }

// Name returns the transaction name.
func (tx *Transaction) Name() string { return tx.name }

// StartTime returns the wall-clock start.
func (tx *Transaction) StartTime() time.Time { return tx.start }

// Ended reports whether End has been called.
func (tx *Transaction) Ended() bool { return tx.ended.Load() }

// SetError marks the transaction as failed.
func (tx *Transaction) SetError(msg string) {
	tx.errMsg.Store(&msg)
}

// SetThreadStats records resource counters for the transaction.
func (tx *Transaction) SetThreadStats(s ThreadStats) {
	tx.stats.Store(&s)
}

// SetAttribute attaches a key/value pair to the transaction.
func (tx *Transaction) SetAttribute(key, value string) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.attrs == nil {
		tx.attrs = make(map[string]string)
	}
	tx.attrs[key] = value
}

// AddProfile merges stack samples taken while the transaction ran. Samples
// arriving after End are ignored.
func (tx *Transaction) AddProfile(p *profile.Node) {
	if p == nil || tx.ended.Load() {
		return
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.profile == nil {
		tx.profile = profile.NewSyntheticRoot()
	}
	profile.MergeInto(tx.profile, p)
}

// Span is an entered timer. End it exactly once, on the owning goroutine.
type Span struct {
	tx   *Transaction
	node *liveNode
}

// StartTimer enters the named timer under the current one. Entering the
// timer that is already current nests into it instead of adding a child.
func (tx *Transaction) StartTimer(name string) *Span {
	if tx.ended.Load() {
		return &Span{}
	}
	cur := tx.current
	if cur.timer.Name() == name {
		cur.timer.Start()
		return &Span{tx: tx, node: cur}
	}
	n := cur.child(name)
	if n == nil {
		n = newLiveNode(name, tx.ticker, cur)
		cur.addChild(n)
	}
	n.timer.Start()
	tx.current = n
	return &Span{tx: tx, node: n}
}

// End leaves the timer. The parent becomes current again once the last
// nested entry is left.
func (s *Span) End() {
	if s.node == nil || s.tx.ended.Load() {
		return
	}
	s.node.timer.Stop()
	if !s.node.timer.Active() && s.tx.current == s.node && s.node.parent != nil {
		s.tx.current = s.node.parent
	}
}

// End finishes the transaction, stopping any timers still entered, and
// hands the completed record to the tracer's handlers. Further calls return
// nil.
func (tx *Transaction) End() *Completed {
	if !tx.ended.CompareAndSwap(false, true) {
		return nil
	}
	end := tx.ticker.Read()
	for n := tx.current; n != nil; n = n.parent {
		for n.timer.Active() {
			n.timer.StopAt(end)
		}
	}
	tx.current = tx.root
	tx.endTick.Store(end)
	tx.stopped.Store(true)

	c := tx.build(end, false)
	if tx.tracer != nil {
		tx.tracer.finish(tx, c)
	}
	return c
}

// Snapshot returns the transaction as of now. For an active transaction
// every timer is measured against the same capture instant.
func (tx *Transaction) Snapshot() *Completed {
	if tx.ended.Load() {
		if tx.stopped.Load() {
			return tx.build(tx.endTick.Load(), false)
		}
		// End is still stopping timers
		return tx.build(tx.ticker.Read(), false)
	}
	return tx.build(tx.ticker.Read(), true)
}

func (tx *Transaction) build(now int64, active bool) *Completed {
	tree := tx.root.snapshot(now)
	root := timertree.NewSyntheticRoot()
	timertree.MergeUnderRoot(root, tree)

	c := &Completed{
		ID:              tx.id,
		TransactionType: tx.typ,
		Name:            tx.name,
		Start:           tx.start,
		Duration:        time.Duration(tree.Total),
		Active:          active,
		CaptureTime:     tx.start.Add(time.Duration(tree.Total)),
		Timers:          root,
	}
	if msg := tx.errMsg.Load(); msg != nil {
		c.Error = *msg
	}
	if s := tx.stats.Load(); s != nil {
		c.ThreadStats = *s
	}
	tx.mu.Lock()
	if tx.profile != nil {
		c.Profile = tx.profile.Clone()
	}
	if len(tx.attrs) > 0 {
		c.Attributes = make(map[string]string, len(tx.attrs))
		for k, v := range tx.attrs {
			c.Attributes[k] = v
		}
	}
	tx.mu.Unlock()
	return c
}

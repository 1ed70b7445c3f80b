package analysis

import (
	"context"
	"sort"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/kleczkowski/kompilator/compiler/ir"
	"github.com/kleczkowski/kompilator/compiler/set"
)

type (
	// OpSet is a set of operands keyed by structural identity.
	OpSet map[ir.Operand]struct{}

	// Liveness holds block-level all-paths liveness.
	Liveness struct {
		In, Out []OpSet
	}

	// DefSite identifies a defining instruction by position.
	DefSite struct {
		Block int
		Index int
	}

	DefSet map[DefSite]struct{}

	// Reaching holds block-level reaching definitions.
	Reaching struct {
		In, Out []DefSet
	}

	// Use is the next-use state of an operand at a program point:
	// either dead or live with the index of the next using instruction.
	Use struct {
		Dead bool
		Next int
	}
)

var ErrMalformedCFG = errors.New("malformed CFG")

// Predecessors computes, for each block, the blocks whose terminator
// targets it.
func Predecessors(p *ir.Program) ([][]int, error) {
	preds := make([][]int, len(p.Blocks))

	for bi := range p.Blocks {
		b := &p.Blocks[bi]

		t := b.Term()
		if t == nil || !ir.IsTerm(t) {
			return nil, errors.Wrap(ErrMalformedCFG, "block %v (%v)", bi, b.Label)
		}

		for _, s := range ir.Targets(t) {
			if s < 0 || s >= len(p.Blocks) {
				return nil, errors.Wrap(ErrMalformedCFG, "block %v (%v): target %v", bi, b.Label, s)
			}

			preds[s] = append(preds[s], bi)
		}
	}

	return preds, nil
}

// Dominators computes the dominator set of each block by the standard
// iterative fixpoint: dom(entry) = {entry}, everything else starts
// full and shrinks.
func Dominators(p *ir.Program, preds [][]int) []set.Bits[int] {
	n := len(p.Blocks)

	dom := make([]set.Bits[int], n)
	dom[0] = set.MakeBits(0)

	for b := 1; b < n; b++ {
		dom[b] = set.MakeFull[int](n)
	}

	for changed := true; changed; {
		changed = false

		for b := 1; b < n; b++ {
			d := set.MakeFull[int](n)

			if len(preds[b]) == 0 {
				// unreachable: keep only the block itself
				d = set.MakeBits[int]()
			}

			for _, q := range preds[b] {
				d.Intersect(dom[q])
			}

			d.Set(b)

			if !d.Equal(dom[b]) {
				dom[b] = d
				changed = true
			}
		}
	}

	return dom
}

// Live computes operand-granular block liveness, backward over all
// paths. The worklist is a min-heap over block indices so every run
// visits blocks in the same order.
func Live(ctx context.Context, p *ir.Program) (lv Liveness, err error) {
	tr := tlog.SpanFromContext(ctx)

	preds, err := Predecessors(p)
	if err != nil {
		return lv, errors.Wrap(err, "predecessors")
	}

	n := len(p.Blocks)

	lv.In = make([]OpSet, n)
	lv.Out = make([]OpSet, n)

	for b := range lv.In {
		lv.In[b] = OpSet{}
		lv.Out[b] = OpSet{}
	}

	work := heap.Heap[int]{Less: intLess}
	queued := set.MakeBits[int]()

	for b := n - 1; b >= 0; b-- {
		work.Push(b)
		queued.Set(b)
	}

	for work.Len() != 0 {
		b := work.Pop()
		queued.Clear(b)

		out := OpSet{}

		for _, s := range ir.Targets(p.Blocks[b].Term()) {
			for o := range lv.In[s] {
				out[o] = struct{}{}
			}
		}

		in := out.Copy()

		code := p.Blocks[b].Code

		for i := len(code) - 1; i >= 0; i-- {
			if d, ok := ir.Def(code[i]); ok {
				delete(in, d)
			}

			for _, u := range ir.Uses(code[i]) {
				if tracked(u) {
					in[u] = struct{}{}
				}
			}
		}

		lv.Out[b] = out

		if in.equal(lv.In[b]) {
			continue
		}

		lv.In[b] = in

		for _, q := range preds[b] {
			if queued.IsSet(q) {
				continue
			}

			work.Push(q)
			queued.Set(q)
		}
	}

	if tr.If("dump_live") {
		for b := range p.Blocks {
			tr.Printw("liveness", "block", b, "in", lv.In[b].keys(), "out", lv.Out[b].keys())
		}
	}

	return lv, nil
}

// Reach computes reaching definitions, forward over all paths.
// Blocks unreachable from the entry are skipped: their definitions
// can never execute, so letting them reach a live block would only
// hide constants from the folder.
func Reach(ctx context.Context, p *ir.Program) (rd Reaching, err error) {
	preds, err := Predecessors(p)
	if err != nil {
		return rd, errors.Wrap(err, "predecessors")
	}

	live := Reachable(p)

	n := len(p.Blocks)

	rd.In = make([]DefSet, n)
	rd.Out = make([]DefSet, n)

	for b := range rd.In {
		rd.In[b] = DefSet{}
		rd.Out[b] = DefSet{}
	}

	work := heap.Heap[int]{Less: intLess}
	queued := set.MakeBits[int]()

	for b := 0; b < n; b++ {
		if !live.IsSet(b) {
			continue
		}

		work.Push(b)
		queued.Set(b)
	}

	succs := func(b int) []int { return ir.Targets(p.Blocks[b].Term()) }

	for work.Len() != 0 {
		b := work.Pop()
		queued.Clear(b)

		in := DefSet{}

		for _, q := range preds[b] {
			if !live.IsSet(q) {
				continue
			}

			for d := range rd.Out[q] {
				in[d] = struct{}{}
			}
		}

		out := in.copy()

		for i, ins := range p.Blocks[b].Code {
			d, ok := ir.Def(ins)
			if !ok {
				continue
			}

			for site := range out {
				if sd, _ := ir.Def(p.Blocks[site.Block].Code[site.Index]); sd == d {
					delete(out, site)
				}
			}

			out[DefSite{Block: b, Index: i}] = struct{}{}
		}

		rd.In[b] = in

		if out.equal(rd.Out[b]) {
			continue
		}

		rd.Out[b] = out

		for _, s := range succs(b) {
			if queued.IsSet(s) {
				continue
			}

			work.Push(s)
			queued.Set(s)
		}
	}

	return rd, nil
}

// NextUse computes, per instruction of one block, the next-use state of
// every tracked operand at the point just after that instruction.
// Initially every operand mentioned in the block and every live-out
// operand is considered live at the last instruction; the walk then
// goes backward, killing at definitions and renewing at uses.
func NextUse(b *ir.Block, liveOut OpSet) []map[ir.Operand]Use {
	st := map[ir.Operand]Use{}

	last := len(b.Code) - 1

	for _, ins := range b.Code {
		for _, u := range ir.Uses(ins) {
			if tracked(u) {
				st[u] = Use{Next: last}
			}
		}

		if d, ok := ir.Def(ins); ok && tracked(d) {
			st[d] = Use{Next: last}
		}
	}

	for o := range liveOut {
		st[o] = Use{Next: last}
	}

	out := make([]map[ir.Operand]Use, len(b.Code))

	for i := last; i >= 0; i-- {
		out[i] = copyUses(st)

		if d, ok := ir.Def(b.Code[i]); ok && tracked(d) {
			st[d] = Use{Dead: true}
		}

		for _, u := range ir.Uses(b.Code[i]) {
			if tracked(u) {
				st[u] = Use{Next: i}
			}
		}
	}

	return out
}

// Reachable is the set of blocks reachable from the entry.
func Reachable(p *ir.Program) set.Bits[int] {
	seen := set.MakeBits(0)

	q := []int{0}

	for len(q) != 0 {
		b := q[0]
		q = q[1:]

		for _, s := range ir.Targets(p.Blocks[b].Term()) {
			if seen.IsSet(s) {
				continue
			}

			seen.Set(s)
			q = append(q, s)
		}
	}

	return seen
}

// tracked reports whether liveness applies to the operand.
// Literals have no lifetime.
func tracked(o ir.Operand) bool {
	switch o.(type) {
	case ir.Name, ir.Temp:
		return true
	}

	return false
}

func (s OpSet) Copy() OpSet {
	c := make(OpSet, len(s))

	for k := range s {
		c[k] = struct{}{}
	}

	return c
}

func (s OpSet) Has(o ir.Operand) bool {
	_, ok := s[o]
	return ok
}

func (s OpSet) equal(x OpSet) bool {
	if len(s) != len(x) {
		return false
	}

	for k := range s {
		if _, ok := x[k]; !ok {
			return false
		}
	}

	return true
}

func (s OpSet) keys() []string {
	l := make([]string, 0, len(s))

	for k := range s {
		l = append(l, k.Key())
	}

	sort.Strings(l)

	return l
}

func (s DefSet) copy() DefSet {
	c := make(DefSet, len(s))

	for k := range s {
		c[k] = struct{}{}
	}

	return c
}

func (s DefSet) equal(x DefSet) bool {
	if len(s) != len(x) {
		return false
	}

	for k := range s {
		if _, ok := x[k]; !ok {
			return false
		}
	}

	return true
}

func copyUses(s map[ir.Operand]Use) map[ir.Operand]Use {
	c := make(map[ir.Operand]Use, len(s))

	for k, v := range s {
		c[k] = v
	}

	return c
}

func intLess(d []int, i, j int) bool { return d[i] < d[j] }

// Package diff computes edit scripts between canonical query trees.
package diff

import (
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"sqlexam/internal/canon"
)

// EditKind classifies one edit.
type EditKind int

const (
	// Keep is a node matched at the same position.
	Keep EditKind = iota
	// Move is a node matched under a different parent or index.
	Move
	// Update is a matched leaf whose value changed.
	Update
	// Insert is a target node with no source counterpart.
	Insert
	// Delete is a source node with no target counterpart.
	Delete
)

var editNames = [...]string{"keep", "move", "update", "insert", "delete"}

func (k EditKind) String() string {
	if int(k) < len(editNames) {
		return editNames[k]
	}
	return "edit(" + strconv.Itoa(int(k)) + ")"
}

// Edit is one step of an edit script. Source and Target are node indexes,
// -1 when absent.
type Edit struct {
	Kind   EditKind
	Source int
	Target int
}

const (
	leafThreshold  = 0.6
	innerThreshold = 0.5
)

type side struct {
	tree   *canon.Tree
	hashes []uint64
	sizes  []int
	leaves [][]int
	match  []int
}

func newSide(t *canon.Tree) *side {
	s := &side{
		tree:   t,
		hashes: make([]uint64, t.Len()),
		sizes:  make([]int, t.Len()),
		leaves: make([][]int, t.Len()),
		match:  make([]int, t.Len()),
	}
	for i := range s.match {
		s.match[i] = -1
	}
	if t.Len() > 0 {
		s.index(0)
	}
	return s
}

// index fills hashes, sizes and leaf lists bottom-up.
func (s *side) index(i int) {
	n := s.tree.Node(i)
	h := xxhash.New()
	_, _ = h.WriteString(s.tree.Label(i))
	size := 1
	var leaves []int
	for _, c := range n.Children {
		s.index(c)
		_, _ = h.WriteString("(" + strconv.FormatUint(s.hashes[c], 16) + ")")
		size += s.sizes[c]
		leaves = append(leaves, s.leaves[c]...)
	}
	if len(n.Children) == 0 {
		leaves = []int{i}
	}
	s.hashes[i] = h.Sum64()
	s.sizes[i] = size
	s.leaves[i] = leaves
}

func (s *side) parent(i int) int {
	return s.tree.Node(i).Parent
}

// Diff returns the edit script turning a into b: one edit per source node in
// index order, then one Insert per unmatched target node.
func Diff(a, b *canon.Tree) []Edit {
	src, dst := newSide(a), newSide(b)
	matchSubtrees(src, dst)
	matchLeaves(src, dst)
	matchInner(src, dst)

	edits := make([]Edit, 0, a.Len()+b.Len())
	for i := 0; i < a.Len(); i++ {
		j := src.match[i]
		if j < 0 {
			edits = append(edits, Edit{Kind: Delete, Source: i, Target: -1})
			continue
		}
		edits = append(edits, Edit{Kind: classify(src, dst, i, j), Source: i, Target: j})
	}
	for j := 0; j < b.Len(); j++ {
		if dst.match[j] < 0 {
			edits = append(edits, Edit{Kind: Insert, Source: -1, Target: j})
		}
	}
	return edits
}

// classify labels a matched pair. Only leaves are linked across different
// labels, so Update never applies to an inner node.
func classify(src, dst *side, i, j int) EditKind {
	if src.tree.Label(i) != dst.tree.Label(j) && src.tree.Leaf(i) && dst.tree.Leaf(j) {
		return Update
	}
	pi, pj := src.parent(i), dst.parent(j)
	sameParent := (pi < 0 && pj < 0) || (pi >= 0 && src.match[pi] == pj)
	if sameParent && src.tree.Node(i).Index == dst.tree.Node(j).Index {
		return Keep
	}
	return Move
}

func link(src, dst *side, i, j int) {
	src.match[i] = j
	dst.match[j] = i
}

// matchSubtrees pairs identical subtrees, largest first.
func matchSubtrees(src, dst *side) {
	byHash := make(map[uint64][]int)
	for j := 0; j < dst.tree.Len(); j++ {
		byHash[dst.hashes[j]] = append(byHash[dst.hashes[j]], j)
	}
	order := make([]int, src.tree.Len())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		return src.sizes[order[x]] > src.sizes[order[y]]
	})
	for _, i := range order {
		if src.match[i] >= 0 {
			continue
		}
		j := bestCandidate(src, dst, i, byHash[src.hashes[i]])
		if j < 0 {
			continue
		}
		linkSubtree(src, dst, i, j)
	}
}

// bestCandidate prefers a target under the counterpart of i's parent, then
// one at the same sibling index, then the first free one.
func bestCandidate(src, dst *side, i int, candidates []int) int {
	best, bestScore := -1, -1
	for _, j := range candidates {
		if dst.match[j] >= 0 {
			continue
		}
		score := 0
		if pi := src.parent(i); pi >= 0 && src.match[pi] >= 0 && src.match[pi] == dst.parent(j) {
			score += 2
		}
		if src.tree.Node(i).Index == dst.tree.Node(j).Index {
			score++
		}
		if score > bestScore {
			best, bestScore = j, score
		}
	}
	return best
}

func linkSubtree(src, dst *side, i, j int) {
	link(src, dst, i, j)
	ci, cj := src.tree.Node(i).Children, dst.tree.Node(j).Children
	for k := range ci {
		if k < len(cj) {
			linkSubtree(src, dst, ci[k], cj[k])
		}
	}
}

// matchLeaves pairs remaining name leaves of the same kind by bigram
// similarity, best score first.
func matchLeaves(src, dst *side) {
	type pair struct {
		i, j  int
		score float64
	}
	var pairs []pair
	for i := 0; i < src.tree.Len(); i++ {
		if src.match[i] >= 0 || !src.tree.Leaf(i) || !src.tree.Updatable(i) {
			continue
		}
		ni := src.tree.Node(i)
		for j := 0; j < dst.tree.Len(); j++ {
			if dst.match[j] >= 0 || !dst.tree.Leaf(j) || !dst.tree.Updatable(j) {
				continue
			}
			nj := dst.tree.Node(j)
			if ni.Kind != nj.Kind {
				continue
			}
			if score := similarity(ni.Kind, ni.Value, nj.Value); score >= leafThreshold {
				pairs = append(pairs, pair{i: i, j: j, score: score})
			}
		}
	}
	sort.SliceStable(pairs, func(x, y int) bool {
		return pairs[x].score > pairs[y].score
	})
	for _, p := range pairs {
		if src.match[p.i] < 0 && dst.match[p.j] < 0 {
			link(src, dst, p.i, p.j)
		}
	}
}

// similarity scores two leaves of one kind. Column leaves score the source
// qualifier and the column name separately and keep the weaker of the two.
func similarity(kind canon.Kind, a, b string) float64 {
	if kind != canon.KindColumn {
		return Dice(a, b)
	}
	qa, na := splitColumn(a)
	qb, nb := splitColumn(b)
	return min(Dice(qa, qb), Dice(na, nb))
}

func splitColumn(v string) (string, string) {
	if table, name, ok := strings.Cut(v, "."); ok {
		return table, name
	}
	return "", v
}

// matchInner pairs remaining inner nodes with the same label whose matched
// leaves overlap enough, deepest first, then the roots when they agree.
func matchInner(src, dst *side) {
	for _, i := range postOrder(src.tree) {
		if src.match[i] >= 0 || src.tree.Leaf(i) {
			continue
		}
		best, bestScore := -1, innerThreshold
		for j := 0; j < dst.tree.Len(); j++ {
			if dst.match[j] >= 0 || dst.tree.Leaf(j) || src.tree.Label(i) != dst.tree.Label(j) {
				continue
			}
			if score := leafOverlap(src, dst, i, j); score >= bestScore && (best < 0 || score > bestScore) {
				best, bestScore = j, score
			}
		}
		if best >= 0 {
			link(src, dst, i, best)
		}
	}
	if src.tree.Len() > 0 && dst.tree.Len() > 0 && src.match[0] < 0 && dst.match[0] < 0 &&
		src.tree.Label(0) == dst.tree.Label(0) {
		link(src, dst, 0, 0)
	}
}

func leafOverlap(src, dst *side, i, j int) float64 {
	li, lj := src.leaves[i], dst.leaves[j]
	if len(li) == 0 || len(lj) == 0 {
		return 0
	}
	common := 0
	for _, l := range li {
		if m := src.match[l]; m >= 0 && slices.Contains(lj, m) {
			common++
		}
	}
	return float64(common) / float64(max(len(li), len(lj)))
}

func postOrder(t *canon.Tree) []int {
	out := make([]int, 0, t.Len())
	var walk func(int)
	walk = func(i int) {
		for _, c := range t.Node(i).Children {
			walk(c)
		}
		out = append(out, i)
	}
	if t.Len() > 0 {
		walk(0)
	}
	return out
}

// Dice returns the bigram Dice coefficient of two strings.
func Dice(a, b string) float64 {
	if a == b {
		return 1
	}
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	counts := make(map[string]int, len(ba))
	for _, g := range ba {
		counts[g]++
	}
	common := 0
	for _, g := range bb {
		if counts[g] > 0 {
			counts[g]--
			common++
		}
	}
	return 2 * float64(common) / float64(len(ba)+len(bb))
}

func bigrams(s string) []string {
	if len(s) < 2 {
		return nil
	}
	out := make([]string, 0, len(s)-1)
	for i := 0; i+1 < len(s); i++ {
		out = append(out, s[i:i+2])
	}
	return out
}

// Tolerated reports whether every edit only rearranges or renames.
func Tolerated(edits []Edit) bool {
	for _, e := range edits {
		if e.Kind == Insert || e.Kind == Delete {
			return false
		}
	}
	return true
}

// Equivalent compares two canonical forms: order keys must agree exactly and
// the tree edit script may only keep, move or update nodes.
func Equivalent(a *canon.Tree, orderA []string, b *canon.Tree, orderB []string) bool {
	if !slices.Equal(orderA, orderB) {
		return false
	}
	if a == nil || b == nil {
		return false
	}
	return Tolerated(Diff(a, b))
}

// Summary counts the edits by kind.
func Summary(edits []Edit) map[EditKind]int {
	out := make(map[EditKind]int)
	for _, e := range edits {
		out[e.Kind]++
	}
	return out
}

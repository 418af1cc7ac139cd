package ir

import (
	"bytes"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

// ErrInternalInvariant is returned when a control-flow-graph invariant
// is violated; it indicates a bug in whatever built the graph.
var ErrInternalInvariant = errors.New("internal invariant violated")

// Node is a node of the control-flow graph; either the entry sentinel,
// the exit sentinel, or a basic block.
type Node interface {
	// isNode seals the variant set.
	isNode()
}

// EntryNode is the sentinel entry node of a control-flow graph.
type EntryNode struct{}

// ExitNode is the sentinel exit node of a control-flow graph.
type ExitNode struct{}

func (*EntryNode) isNode()  {}
func (*ExitNode) isNode()   {}
func (*BasicBlock) isNode() {}

// BasicBlock is a maximal straight-line sequence of IR instructions
// with a single entry and a single terminator. The terminator (last
// instruction) determines the block's outgoing edges.
type BasicBlock struct {
	// Label of the block, e.g. "bb0".
	Label Label
	// One or more instructions.
	Instructions []Instruction
	// IsLoopHeader marks blocks whose bytecode rendering is preceded by
	// a loop set-up instruction.
	IsLoopHeader bool
	// IsLoopFooter marks blocks whose bytecode rendering begins with a
	// block-stack pop.
	IsLoopFooter bool
}

// NewBasicBlock returns a new basic block. It fails if the instruction
// sequence is empty.
func NewBasicBlock(label Label, instrs []Instruction, isLoopHeader, isLoopFooter bool) (*BasicBlock, error) {
	if len(instrs) == 0 {
		return nil, errors.Wrapf(ErrInternalInvariant, "basic block %s is empty", label)
	}
	return &BasicBlock{
		Label:        label,
		Instructions: instrs,
		IsLoopHeader: isLoopHeader,
		IsLoopFooter: isLoopFooter,
	}, nil
}

// Terminator returns the last instruction of the block.
func (block *BasicBlock) Terminator() Instruction {
	return block.Instructions[len(block.Instructions)-1]
}

// String returns the string representation of the basic block.
func (block *BasicBlock) String() string {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "%s:", block.Label)
	for _, instr := range block.Instructions {
		fmt.Fprintf(buf, "\n  %v", instr)
	}
	return buf.String()
}

// ControlFlowGraph is a directed graph of basic blocks. The graph owns
// its blocks, keyed by label; edges are adjacency sets keyed by node
// identity. Successors of a conditional branch are recovered from the
// terminator's labels, never from edge-set order.
type ControlFlowGraph struct {
	entry  *EntryNode
	exit   *ExitNode
	blocks map[Label]*BasicBlock
	edges  map[Node]mapset.Set[Node]
}

// NewControlFlowGraph returns an empty control-flow graph holding only
// the entry and exit sentinels.
func NewControlFlowGraph() *ControlFlowGraph {
	cfg := &ControlFlowGraph{
		entry:  &EntryNode{},
		exit:   &ExitNode{},
		blocks: make(map[Label]*BasicBlock),
		edges:  make(map[Node]mapset.Set[Node]),
	}
	cfg.edges[cfg.entry] = mapset.NewThreadUnsafeSet[Node]()
	cfg.edges[cfg.exit] = mapset.NewThreadUnsafeSet[Node]()
	return cfg
}

// Entry returns the sentinel entry node.
func (cfg *ControlFlowGraph) Entry() Node { return cfg.entry }

// Exit returns the sentinel exit node.
func (cfg *ControlFlowGraph) Exit() Node { return cfg.exit }

// AddBlock adds a block to the graph.
func (cfg *ControlFlowGraph) AddBlock(block *BasicBlock) {
	cfg.blocks[block.Label] = block
	cfg.edges[block] = mapset.NewThreadUnsafeSet[Node]()
}

// AddEdge adds a directed edge from src to dst.
func (cfg *ControlFlowGraph) AddEdge(src, dst Node) {
	cfg.edges[src].Add(dst)
}

// Block returns the block with the given label.
func (cfg *ControlFlowGraph) Block(label Label) (*BasicBlock, bool) {
	block, ok := cfg.blocks[label]
	return block, ok
}

// NumBlocks returns the number of blocks in the graph.
func (cfg *ControlFlowGraph) NumBlocks() int { return len(cfg.blocks) }

// Successors returns the successors of the given node, in no
// particular order.
func (cfg *ControlFlowGraph) Successors(node Node) []Node {
	succs, ok := cfg.edges[node]
	if !ok {
		return nil
	}
	return succs.ToSlice()
}

// Blocks returns the basic blocks of the graph in reverse post order.
func (cfg *ControlFlowGraph) Blocks() ([]*BasicBlock, error) {
	var blocks []*BasicBlock
	it := cfg.Iter()
	for it.Next() {
		blocks = append(blocks, it.Block())
	}
	if err := it.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return blocks, nil
}

// String returns the string representation of the graph; the entry
// sentinel followed by the blocks sorted by label.
func (cfg *ControlFlowGraph) String() string {
	blocks, err := cfg.Blocks()
	if err != nil {
		return fmt.Sprintf("<invalid CFG: %v>", err)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Label < blocks[j].Label })
	buf := &bytes.Buffer{}
	buf.WriteString("entry:")
	for _, block := range blocks {
		fmt.Fprintf(buf, "\n%v", block)
	}
	return buf.String()
}

// Iter returns an iterator over the basic blocks of the graph in
// reverse post order.
func (cfg *ControlFlowGraph) Iter() *Iterator {
	return &Iterator{
		cfg:     cfg,
		queue:   []Node{cfg.entry},
		visited: mapset.NewThreadUnsafeSet[Node](),
	}
}

// Iterator iterates through the basic blocks of a control-flow graph
// in reverse post order. The order is deterministic: the fall-through
// leg of a conditional branch is always visited before the jump leg.
// Both the bytecode re-assembler and the machine-code back end rely on
// this ordering.
type Iterator struct {
	cfg     *ControlFlowGraph
	queue   []Node
	visited mapset.Set[Node]
	cur     *BasicBlock
	err     error
}

// Next advances to the next basic block in reverse post order. It
// returns false once the traversal is exhausted or an invariant
// violation is found; check Err after the loop.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for len(it.queue) > 0 {
		node := it.queue[0]
		it.queue = it.queue[1:]
		if it.visited.Contains(node) {
			continue
		}
		it.visited.Add(node)
		block, ok := node.(*BasicBlock)
		if !ok {
			it.pushFront(it.cfg.Successors(node)...)
			continue
		}
		succs := it.cfg.Successors(node)
		if term, ok := block.Terminator().(ConditionalBranch); ok {
			trueBlock, okT := it.cfg.Block(term.TrueBranch)
			falseBlock, okF := it.cfg.Block(term.FalseBranch)
			if !okT || !okF {
				it.err = errors.Wrapf(ErrInternalInvariant, "conditional branch in %s names a missing block", block.Label)
				return false
			}
			// pushFront inserts the listed nodes in order at the front
			// of the queue, so the node to be visited first must appear
			// last in the list.
			succs = []Node{falseBlock, trueBlock}
			if term.JumpWhenTrue {
				succs = []Node{trueBlock, falseBlock}
			}
		}
		it.pushFront(succs...)
		it.cur = block
		return true
	}
	return false
}

// Block returns the basic block the iterator is positioned on.
func (it *Iterator) Block() *BasicBlock {
	return it.cur
}

// Err returns the first invariant violation encountered, if any.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) pushFront(nodes ...Node) {
	for _, node := range nodes {
		it.queue = append([]Node{node}, it.queue...)
	}
}

// BuildInitialCFG builds a control-flow graph from a list of basic
// blocks. Assumes that the blocks are in bytecode order, with the first
// block as the entry block.
//
// Outgoing edges are determined by each block's terminator:
//   - Return             => exit node
//   - Conditional branch => blocks of the true and false targets
//   - Otherwise          => textually next block
func BuildInitialCFG(blocks []*BasicBlock) (*ControlFlowGraph, error) {
	cfg := NewControlFlowGraph()
	if len(blocks) == 0 {
		return cfg, nil
	}
	for _, block := range blocks {
		cfg.AddBlock(block)
	}
	cfg.AddEdge(cfg.entry, blocks[0])
	for i, block := range blocks {
		switch term := block.Terminator().(type) {
		case ReturnValue:
			cfg.AddEdge(block, cfg.exit)
		case ConditionalBranch:
			trueBlock, ok := cfg.Block(term.TrueBranch)
			if !ok {
				return nil, errors.Wrapf(ErrInternalInvariant, "block %s branches to missing block %s", block.Label, term.TrueBranch)
			}
			falseBlock, ok := cfg.Block(term.FalseBranch)
			if !ok {
				return nil, errors.Wrapf(ErrInternalInvariant, "block %s branches to missing block %s", block.Label, term.FalseBranch)
			}
			cfg.AddEdge(block, trueBlock)
			cfg.AddEdge(block, falseBlock)
		default:
			if i+1 >= len(blocks) {
				return nil, errors.Wrapf(ErrInternalInvariant, "block %s has no successor", block.Label)
			}
			cfg.AddEdge(block, blocks[i+1])
		}
	}
	return cfg, nil
}

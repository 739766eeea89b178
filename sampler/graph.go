// Package sampler implements minibatch sampling of graphs for GNN training:
// a graph store with CSR adjacency, train/validation/test id splits,
// message-flow graphs (MFGs), bounded-depth neighbor sampling, uniform
// negative (corrupted pair) sampling and an edge-batch dataset that
// implements GoMLX's train.Dataset interface.
//
// There are 3 phases when using the package:
//
// (1) Build the graph: create it with the node count, add the edges and
// optionally make it symmetric:
//
//	g := sampler.NewGraph(numNodes)
//	g.AddEdges(edges) // (Int32)[numEdges, 2] tensor of (source, target) pairs.
//	g.AddReverseEdges()
//
// (2) Create a neighbor sampler with the per-layer fan-outs -- this freezes
// the graph:
//
//	ns := sampler.NewNeighborSampler(g, 10, 25)
//
// (3) Create edge-batch datasets for training and evaluation:
//
//	trainDS := sampler.NewEdgeDataset("train", ns, split.Train).
//		BatchSize(1024, true).Shuffle().NegativeRatio(1).Infinite()
package sampler

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Graph holds a homogeneous directed graph: its edge list in insertion order
// and, once frozen, a CSR adjacency used for neighbor lookups.
//
// Node indices are dense int32 values in `[0, NumNodes)`.
// Optionally a dense per-node feature matrix and a per-node label vector can
// be attached -- they are not included in Save/Load, since they are usually
// kept in their own tensor files.
//
// All the topology is available for reading, but avoid changing it directly,
// use the provided methods instead.
type Graph struct {
	// NumNodes registered. All node indices must be in `[0, NumNodes)`.
	NumNodes int32

	// EdgeSources and EdgeTargets hold the edge list in insertion order:
	// edge `e` goes from `EdgeSources[e]` to `EdgeTargets[e]`.
	EdgeSources, EdgeTargets []int32

	// Starts has one entry per source node (shifted by 1): the list of
	// neighbors of source node `i` is `Neighbors[Starts[i-1]:Starts[i]]`
	// (starting at 0 for `i == 0`). Only valid once Frozen.
	Starts []int32

	// Neighbors is the list of target nodes ordered by source node.
	// Only valid once Frozen.
	Neighbors []int32

	// Frozen is set when the CSR adjacency is built -- after that no more
	// edges can be added.
	Frozen bool

	features *tensors.Tensor
	labels   *tensors.Tensor
}

// NewGraph creates an empty graph with the given number of nodes.
// Use AddEdges (and optionally AddReverseEdges) to define its topology.
func NewGraph(numNodes int) *Graph {
	if numNodes <= 0 {
		Panicf("NewGraph(numNodes=%d): numNodes must be > 0", numNodes)
	}
	if numNodes > math.MaxInt32 {
		Panicf("sampler uses int32 node indices, but numNodes=%d is bigger than the max possible", numNodes)
	}
	return &Graph{NumNodes: int32(numNodes)}
}

// NumEdges currently added to the graph.
func (g *Graph) NumEdges() int { return len(g.EdgeSources) }

// AddEdges adds the given edges to the graph.
// The `edges` tensor must be shaped `(Int32)[N, 2]`, each row a
// (source, target) pair. Endpoints are validated against NumNodes.
func (g *Graph) AddEdges(edges *tensors.Tensor) {
	if g.Frozen {
		Panicf("Graph is frozen, that is, a NeighborSampler was already created from it and it can no longer be modified")
	}
	if edges.Rank() != 2 || edges.DType() != dtypes.Int32 ||
		edges.Shape().Dimensions[1] != 2 || edges.Shape().Dimensions[0] == 0 {
		Panicf("invalid edges shape %s for AddEdges(): it must be shaped like (Int32)[N, 2]", edges.Shape())
	}
	tensors.MustConstFlatData[int32](edges, func(edgesData []int32) {
		numEdges := edges.Shape().Dimensions[0]
		for row := range numEdges {
			g.AddEdge(edgesData[2*row], edgesData[2*row+1])
		}
	})
}

// AddEdge adds a single directed edge from source to target.
func (g *Graph) AddEdge(source, target int32) {
	if g.Frozen {
		Panicf("Graph is frozen, that is, a NeighborSampler was already created from it and it can no longer be modified")
	}
	if source < 0 || source >= g.NumNodes || target < 0 || target >= g.NumNodes {
		Panicf("edge (%d->%d) out-of-range, graph has %d nodes", source, target, g.NumNodes)
	}
	g.EdgeSources = append(g.EdgeSources, source)
	g.EdgeTargets = append(g.EdgeTargets, target)
}

// AddReverseEdges appends, for every edge currently in the graph, the edge in
// the opposite direction, making the graph symmetric. Self-loops are reversed
// as well -- they simply appear twice.
func (g *Graph) AddReverseEdges() {
	if g.Frozen {
		Panicf("Graph is frozen, that is, a NeighborSampler was already created from it and it can no longer be modified")
	}
	numEdges := g.NumEdges()
	for e := range numEdges {
		g.EdgeSources = append(g.EdgeSources, g.EdgeTargets[e])
		g.EdgeTargets = append(g.EdgeTargets, g.EdgeSources[e])
	}
}

// Freeze builds the CSR adjacency and disallows further topology changes.
// It is called automatically by NewNeighborSampler; calling it multiple
// times is a no-op.
func (g *Graph) Freeze() {
	if g.Frozen {
		return
	}
	numEdges := g.NumEdges()
	order := make([]int32, numEdges)
	for e := range order {
		order[e] = int32(e)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return g.EdgeSources[order[i]] < g.EdgeSources[order[j]]
	})

	g.Starts = make([]int32, g.NumNodes)
	g.Neighbors = make([]int32, numEdges)
	currentSource := int32(0)
	for row, e := range order {
		source := g.EdgeSources[e]
		g.Neighbors[row] = g.EdgeTargets[e]
		for currentSource < source {
			g.Starts[currentSource] = int32(row)
			currentSource++
		}
	}
	for ; currentSource < g.NumNodes; currentSource++ {
		g.Starts[currentSource] = int32(numEdges)
	}
	g.Frozen = true
}

// NeighborsOf returns the neighbor list of the given node.
// The graph must be Frozen. Don't modify the returned slice, it's in use by
// the sampler -- make a copy if you need to modify.
func (g *Graph) NeighborsOf(node int32) []int32 {
	if !g.Frozen {
		Panicf("Graph.NeighborsOf() requires the CSR adjacency: call Freeze() (or create a NeighborSampler) first")
	}
	if node < 0 || node >= g.NumNodes {
		Panicf("invalid node index %d for NeighborsOf() (graph has %d nodes)", node, g.NumNodes)
	}
	var start int32
	if node > 0 {
		start = g.Starts[node-1]
	}
	return g.Neighbors[start:g.Starts[node]]
}

// OutDegree of the given node. The graph must be Frozen.
func (g *Graph) OutDegree(node int32) int { return len(g.NeighborsOf(node)) }

// EdgePair returns the endpoints of edge `e` (insertion order).
func (g *Graph) EdgePair(e int32) (source, target int32) {
	if e < 0 || int(e) >= g.NumEdges() {
		Panicf("invalid edge index %d (graph has %d edges)", e, g.NumEdges())
	}
	return g.EdgeSources[e], g.EdgeTargets[e]
}

// EdgeListTensors creates new tensors for the full edge list, source and
// target indices separately, each shaped `(Int32)[NumEdges, 1]`.
// They are used by layer-wise (full graph) inference.
func (g *Graph) EdgeListTensors() (sources, targets *tensors.Tensor) {
	numEdges := g.NumEdges()
	sources = tensors.FromFlatDataAndDimensions(append([]int32(nil), g.EdgeSources...), numEdges, 1)
	targets = tensors.FromFlatDataAndDimensions(append([]int32(nil), g.EdgeTargets...), numEdges, 1)
	return
}

// SetFeatures attaches a dense per-node feature matrix, shaped
// `[NumNodes, featureDim]`.
func (g *Graph) SetFeatures(features *tensors.Tensor) {
	if features.Rank() != 2 || features.Shape().Dimensions[0] != int(g.NumNodes) {
		Panicf("features must be shaped [NumNodes=%d, featureDim], got %s", g.NumNodes, features.Shape())
	}
	g.features = features
}

// Features returns the attached per-node feature matrix, or nil.
func (g *Graph) Features() *tensors.Tensor { return g.features }

// SetLabels attaches a per-node label vector, shaped `[NumNodes]` or
// `[NumNodes, 1]`.
func (g *Graph) SetLabels(labels *tensors.Tensor) {
	if labels.Shape().Dimensions[0] != int(g.NumNodes) {
		Panicf("labels must have NumNodes=%d rows, got %s", g.NumNodes, labels.Shape())
	}
	g.labels = labels
}

// Labels returns the attached per-node label vector, or nil.
func (g *Graph) Labels() *tensors.Tensor { return g.labels }

// String returns a short informative description of the graph.
func (g *Graph) String() string {
	var parts []string
	var frozenDesc string
	if g.Frozen {
		frozenDesc = ", frozen"
	}
	parts = append(parts, fmt.Sprintf("Graph: %s nodes, %s edges%s",
		humanize.Comma(int64(g.NumNodes)), humanize.Comma(int64(g.NumEdges())), frozenDesc))
	if g.features != nil {
		parts = append(parts, fmt.Sprintf("\tfeatures: %s", g.features.Shape()))
	}
	if g.labels != nil {
		parts = append(parts, fmt.Sprintf("\tlabels: %s", g.labels.Shape()))
	}
	return strings.Join(parts, "\n")
}

func initGob() {
	gob.Register(&Graph{})
}

// Save the graph topology (not the attached features or labels) to the given
// file, so it can be reloaded ready to sample from.
func (g *Graph) Save(filePath string) (err error) {
	initGob()
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save Graph", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(g); err != nil {
		return errors.WithMessagef(err, "encoding Graph to save to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing file %q, where Graph was saved", filePath)
	}
	return nil
}

// LoadGraph loads a previously saved Graph.
// If filePath doesn't exist, it returns an error that can be checked with
// [os.IsNotExist].
func LoadGraph(filePath string) (g *Graph, err error) {
	initGob()
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "trying to load Graph from %q", filePath)
	}
	dec := gob.NewDecoder(f)
	g = &Graph{}
	if err = dec.Decode(g); err != nil {
		return nil, errors.Wrapf(err, "trying to decode Graph from %q", filePath)
	}
	_ = f.Close()
	return g, nil
}

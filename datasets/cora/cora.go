// Package cora downloads and parses the Cora citation dataset: 2708 papers
// with bag-of-words features (1433 binary entries), one of 7 subject classes
// each, and 5429 citation links.
//
// Load returns the citation graph with reverse edges added (so message passing
// flows both ways), the node features and labels attached, plus canonical node
// and edge splits. Parsed data is cached as tensor and gob files under the
// base directory, so only the first call pays the parsing cost.
package cora

import (
	"bufio"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/graphsage/sampler"
)

var (
	TarURL         = "https://linqs-data.soe.ucsc.edu/public/lbd/cora.tgz"
	TarFile        = "cora.tgz"
	DownloadSubdir = "downloads"
)

const (
	// NumFeatures is the size of the bag-of-words vector of each paper.
	NumFeatures = 1433

	// NumClasses is the number of paper subject classes.
	NumClasses = 7
)

// classLabels maps the subject strings of cora.content to dense class ids.
var classLabels = map[string]int32{
	"Case_Based":             0,
	"Genetic_Algorithms":     1,
	"Neural_Networks":        2,
	"Probabilistic_Methods":  3,
	"Reinforcement_Learning": 4,
	"Rule_Learning":          5,
	"Theory":                 6,
}

// Fractions of nodes (for the probe) and edges (for link prediction) held out
// for validation and test. Both splits are deterministic.
const (
	ValidNodeFraction = 0.15
	TestNodeFraction  = 0.30

	ValidEdgeFraction = 0.05
	TestEdgeFraction  = 0.10
)

// Cached file names, relative to the base directory.
const (
	graphFile    = "cora_graph.bin"
	featuresFile = "cora_features.tensor"
	labelsFile   = "cora_labels.tensor"
)

// Dataset is the fully parsed Cora dataset.
type Dataset struct {
	// Graph topology with reverse edges added, features and labels attached.
	Graph *sampler.Graph

	// NodeSplit partitions the papers, used by the linear probe.
	// EdgeSplit partitions the directed edge ids, used for link prediction.
	NodeSplit, EdgeSplit *sampler.Split

	NumClasses int
}

// Download fetches and unpacks the Cora archive under baseDir, if not yet there.
func Download(baseDir string) error {
	downloadPath := path.Join(baseDir, DownloadSubdir)
	if err := os.MkdirAll(downloadPath, 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "failed to create path for downloading %q", downloadPath)
	}
	// The hosting site doesn't publish a checksum, the empty hash skips validation.
	return downloader.DownloadAndUntarIfMissing(TarURL, downloadPath, TarFile, "cora", "")
}

// Load returns the parsed Cora dataset, downloading and parsing it on the
// first call and reading the cached files afterwards.
func Load(baseDir string) (*Dataset, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, err
	}
	g, err := loadCached(baseDir)
	if err != nil {
		return nil, err
	}
	if g == nil {
		if err = Download(baseDir); err != nil {
			return nil, err
		}
		g, err = parse(baseDir)
		if err != nil {
			return nil, err
		}
		if err = saveCache(baseDir, g); err != nil {
			return nil, err
		}
	}
	return &Dataset{
		Graph:      g,
		NodeSplit:  sampler.NewSplit(int(g.NumNodes), ValidNodeFraction, TestNodeFraction, false),
		EdgeSplit:  sampler.NewSplit(g.NumEdges(), ValidEdgeFraction, TestEdgeFraction, false),
		NumClasses: NumClasses,
	}, nil
}

// loadCached returns the graph rebuilt from the cache files, or nil if any of
// them is missing.
func loadCached(baseDir string) (*sampler.Graph, error) {
	for _, file := range []string{graphFile, featuresFile, labelsFile} {
		exists, err := fsutil.FileExists(path.Join(baseDir, file))
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, nil
		}
	}
	g, err := sampler.LoadGraph(path.Join(baseDir, graphFile))
	if err != nil {
		return nil, err
	}
	features, err := tensors.Load(path.Join(baseDir, featuresFile))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading cached features")
	}
	labels, err := tensors.Load(path.Join(baseDir, labelsFile))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading cached labels")
	}
	g.SetFeatures(features)
	g.SetLabels(labels)
	return g, nil
}

func saveCache(baseDir string, g *sampler.Graph) error {
	if err := g.Save(path.Join(baseDir, graphFile)); err != nil {
		return err
	}
	if err := g.Features().Save(path.Join(baseDir, featuresFile)); err != nil {
		return errors.WithMessagef(err, "caching features")
	}
	return errors.WithMessagef(g.Labels().Save(path.Join(baseDir, labelsFile)), "caching labels")
}

// parse reads cora.content and cora.cites from the unpacked archive and builds
// the graph, assigning each paper a dense id in the order it appears in
// cora.content.
func parse(baseDir string) (*sampler.Graph, error) {
	contentPath := path.Join(baseDir, DownloadSubdir, "cora", "cora.content")
	idsMap, features, labels, err := parseContent(contentPath)
	if err != nil {
		return nil, err
	}
	numNodes := len(idsMap)
	g := sampler.NewGraph(numNodes)
	g.SetFeatures(tensors.FromFlatDataAndDimensions(features, numNodes, NumFeatures))
	g.SetLabels(tensors.FromFlatDataAndDimensions(labels, numNodes, 1))

	citesPath := path.Join(baseDir, DownloadSubdir, "cora", "cora.cites")
	if err = parseCites(citesPath, idsMap, g); err != nil {
		return nil, err
	}
	g.AddReverseEdges()
	return g, nil
}

func parseContent(filePath string) (idsMap map[string]int32, features []float32, labels []int32, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		err = errors.Wrapf(err, "failed to open %q", filePath)
		return
	}
	defer func() { _ = f.Close() }()

	bar := progressbar.Default(-1, "parsing cora.content")
	defer func() { _ = bar.Close() }()

	idsMap = make(map[string]int32)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 16*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != NumFeatures+2 {
			err = errors.Errorf("line %d of %q has %d fields, expected %d",
				len(labels)+1, filePath, len(fields), NumFeatures+2)
			return
		}
		paperID := fields[0]
		if _, found := idsMap[paperID]; found {
			err = errors.Errorf("duplicate paper id %q in %q", paperID, filePath)
			return
		}
		idsMap[paperID] = int32(len(idsMap))
		for _, field := range fields[1 : NumFeatures+1] {
			var value float64
			value, err = strconv.ParseFloat(field, 32)
			if err != nil {
				err = errors.Wrapf(err, "failed to parse feature %q in %q", field, filePath)
				return
			}
			features = append(features, float32(value))
		}
		label, found := classLabels[fields[NumFeatures+1]]
		if !found {
			err = errors.Errorf("unknown class %q in %q", fields[NumFeatures+1], filePath)
			return
		}
		labels = append(labels, label)
		_ = bar.Add(1)
	}
	err = errors.Wrapf(scanner.Err(), "failed reading %q", filePath)
	return
}

// parseCites adds one directed edge per citation, from the citing paper to the
// cited one. Citations of papers absent from cora.content are skipped.
func parseCites(filePath string, idsMap map[string]int32, g *sampler.Graph) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()

	bar := progressbar.Default(-1, "parsing cora.cites")
	defer func() { _ = bar.Close() }()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			return errors.Errorf("line %d of %q has %d fields, expected 2", lineNum, filePath, len(fields))
		}
		// Rows are "<cited> <citing>".
		cited, foundCited := idsMap[fields[0]]
		citing, foundCiting := idsMap[fields[1]]
		if !foundCited || !foundCiting {
			continue
		}
		g.AddEdge(citing, cited)
		_ = bar.Add(1)
	}
	return errors.Wrapf(scanner.Err(), "failed reading %q", filePath)
}

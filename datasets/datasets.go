// Package datasets loads the supported graph datasets by name.
//
// Each dataset lives in its own sub-package with the actual download and
// parsing code; Load is the common entry point used by the demos.
package datasets

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/graphsage/datasets/cora"
	"github.com/gomlx/graphsage/sampler"
)

// Dataset is what every loader returns: the graph with features and labels
// attached, the canonical node and edge splits, and the number of node classes.
type Dataset struct {
	Graph                *sampler.Graph
	NodeSplit, EdgeSplit *sampler.Split
	NumClasses           int
}

// Load returns the named dataset, downloading and parsing it under baseDir on
// the first call. Currently "cora" is the only supported name.
func Load(name, baseDir string) (*Dataset, error) {
	switch strings.ToLower(name) {
	case "cora":
		ds, err := cora.Load(baseDir)
		if err != nil {
			return nil, err
		}
		return &Dataset{
			Graph:      ds.Graph,
			NodeSplit:  ds.NodeSplit,
			EdgeSplit:  ds.EdgeSplit,
			NumClasses: ds.NumClasses,
		}, nil
	default:
		return nil, errors.Errorf("unknown dataset %q -- supported: \"cora\"", name)
	}
}

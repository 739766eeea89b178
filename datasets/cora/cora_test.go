package cora

import (
	"fmt"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contentLine formats one cora.content row: paper id, 1433 binary features
// (here all zeros except hotFeature), and the subject class.
func contentLine(paperID string, hotFeature int, class string) string {
	fields := make([]string, 0, NumFeatures+2)
	fields = append(fields, paperID)
	for ii := 0; ii < NumFeatures; ii++ {
		if ii == hotFeature {
			fields = append(fields, "1")
		} else {
			fields = append(fields, "0")
		}
	}
	fields = append(fields, class)
	return strings.Join(fields, "\t")
}

// writeCoraFiles lays out a miniature archive under baseDir the way the real
// tarball unpacks, and returns baseDir.
func writeCoraFiles(t *testing.T, contentLines, citesLines []string) string {
	baseDir := t.TempDir()
	dir := path.Join(baseDir, DownloadSubdir, "cora")
	require.NoError(t, os.MkdirAll(dir, 0777))
	require.NoError(t, os.WriteFile(path.Join(dir, "cora.content"),
		[]byte(strings.Join(contentLines, "\n")+"\n"), 0666))
	require.NoError(t, os.WriteFile(path.Join(dir, "cora.cites"),
		[]byte(strings.Join(citesLines, "\n")+"\n"), 0666))
	return baseDir
}

func TestParse(t *testing.T) {
	contentLines := []string{
		contentLine("31336", 0, "Neural_Networks"),
		contentLine("1061127", 1, "Rule_Learning"),
		contentLine("1106406", 2, "Theory"),
		contentLine("13195", 3, "Case_Based"),
	}
	citesLines := []string{
		"31336 1061127",  // 1061127 cites 31336
		"31336 1106406",  // 1106406 cites 31336
		"1061127 13195",  // 13195 cites 1061127
		"31336 99999999", // unknown citing paper, skipped
	}
	baseDir := writeCoraFiles(t, contentLines, citesLines)

	g, err := parse(baseDir)
	require.NoError(t, err)
	assert.EqualValues(t, 4, g.NumNodes)

	// 3 citations kept, each doubled by the reverse edges.
	assert.Equal(t, 6, g.NumEdges())
	// Papers get dense ids in file order: 31336→0, 1061127→1, 1106406→2, 13195→3.
	assert.ElementsMatch(t, []int32{0}, g.NeighborsOf(1))
	assert.ElementsMatch(t, []int32{0}, g.NeighborsOf(2))
	assert.ElementsMatch(t, []int32{1, 2}, g.NeighborsOf(0))
	assert.ElementsMatch(t, []int32{1}, g.NeighborsOf(3))

	require.NoError(t, g.Features().Shape().Check(dtypes.Float32, 4, NumFeatures))
	features := tensors.MustCopyFlatData[float32](g.Features())
	for paper := 0; paper < 4; paper++ {
		assert.Equal(t, float32(1), features[paper*NumFeatures+paper])
	}
	require.NoError(t, g.Labels().Shape().Check(dtypes.Int32, 4, 1))
	assert.EqualValues(t, []int32{2, 5, 6, 0}, tensors.MustCopyFlatData[int32](g.Labels()))
}

func TestParseContentErrors(t *testing.T) {
	baseDir := writeCoraFiles(t,
		[]string{contentLine("1", 0, "Theory"), contentLine("1", 1, "Theory")},
		nil)
	_, err := parse(baseDir)
	require.ErrorContains(t, err, "duplicate paper id")

	baseDir = writeCoraFiles(t, []string{contentLine("1", 0, "Astrology")}, nil)
	_, err = parse(baseDir)
	require.ErrorContains(t, err, "unknown class")

	baseDir = writeCoraFiles(t, []string{"1 0 1 Theory"}, nil)
	_, err = parse(baseDir)
	require.ErrorContains(t, err, "fields")

	baseDir = writeCoraFiles(t, []string{contentLine("1", 0, "Theory")},
		[]string{"1 2 3"})
	_, err = parse(baseDir)
	require.ErrorContains(t, err, "fields")
}

func TestLoadUsesCache(t *testing.T) {
	contentLines := make([]string, 0, 10)
	citesLines := make([]string, 0, 10)
	for ii := 0; ii < 10; ii++ {
		contentLines = append(contentLines, contentLine(fmt.Sprintf("paper_%d", ii), ii, "Genetic_Algorithms"))
		citesLines = append(citesLines, fmt.Sprintf("paper_%d paper_%d", ii, (ii+1)%10))
	}
	baseDir := writeCoraFiles(t, contentLines, citesLines)

	ds, err := Load(baseDir)
	require.NoError(t, err)
	assert.EqualValues(t, 10, ds.Graph.NumNodes)
	assert.Equal(t, 20, ds.Graph.NumEdges())
	assert.Equal(t, NumClasses, ds.NumClasses)
	assert.Equal(t, 10, ds.NodeSplit.Size())
	assert.Equal(t, 20, ds.EdgeSplit.Size())

	// The parse wrote cache files; a second Load must succeed from them alone.
	require.NoError(t, os.RemoveAll(path.Join(baseDir, DownloadSubdir)))
	cached, err := Load(baseDir)
	require.NoError(t, err)
	assert.EqualValues(t, 10, cached.Graph.NumNodes)
	assert.Equal(t, ds.Graph.NumEdges(), cached.Graph.NumEdges())
	assert.Equal(t,
		tensors.MustCopyFlatData[float32](ds.Graph.Features()),
		tensors.MustCopyFlatData[float32](cached.Graph.Features()))
}

// graphsage trains a GraphSAGE link prediction model on the Cora citation
// graph and reports the quality of the learned embeddings with a linear probe
// on the paper classes.
//
// Set hyperparameters with --set, e.g.:
//
//	graphsage --set="batch_size=512;num_workers=4"
//
// With num_workers > 1 training runs data-parallel, one worker per device.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphsage"
	"github.com/gomlx/graphsage/datasets"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataset = flag.String("dataset", "cora",
		"Dataset to train on. Currently only \"cora\" is supported.")
	flagDataDir = flag.String("data", "~/work/cora",
		"Directory to cache the downloaded and parsed dataset files.")
	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
)

func main() {
	ctx := graphsage.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	_ = must.M1(commandline.ParseContextSettings(ctx, *settings))

	dataDir := must.M1(fsutil.ReplaceTildeInDir(*flagDataDir))
	if !must.M1(fsutil.FileExists(dataDir)) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	if *flagCheckpoint != "" {
		ctx.SetParam("train_dir", *flagCheckpoint)
	}

	ds := must.M1(datasets.Load(*flagDataset, dataDir))
	fmt.Printf("%s\n", ds.Graph)

	var result graphsage.ProbeResult
	if numWorkers := context.GetParamOr(ctx, graphsage.ParamNumWorkers, 1); numWorkers > 1 {
		result = must.M1(graphsage.TrainDistributed(ctx, ds.Graph, ds.NodeSplit, ds.NumClasses, ds.EdgeSplit.Train))
	} else {
		backend := backends.MustNew()
		session := must.M1(graphsage.NewSession(backend, ctx, ds.Graph, ds.NodeSplit, ds.NumClasses))
		result = must.M1(session.Train(ds.EdgeSplit.Train))
	}
	fmt.Printf("Final probe accuracy: validation=%.2f%%, test=%.2f%%\n",
		100*result.ValidationAccuracy, 100*result.TestAccuracy)
}

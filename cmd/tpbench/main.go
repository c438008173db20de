// tpbench times forward (and optionally backward) passes of synthetic models
// wrapped for tensor-parallel execution.
//
// Usage:
//
//	tpbench --model=mlp:256x1024x1024x256,tokens:32000x512x2048 --devices=4 --iters=200
//
// Each model in the --model list runs as its own experiment; a failing
// experiment is reported and the batch moves on to the next one.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensorparallel/slicing"
)

var (
	flagModel = flag.String("model", "mlp:256x1024x1024x256",
		"Comma-separated list of model identifiers to benchmark. "+
			"Forms: mlp:INxH1x...xOUT (Linear+ReLU chain) and tokens:VOCABxDIMxHIDDEN "+
			"(embedding plus a two-layer MLP).")
	flagBatch    = flag.Int("batch", 32, "Batch size of the synthetic inputs.")
	flagSeqLen   = flag.Int("seqlen", 128, "Sequence length of token inputs. Ignored by mlp models.")
	flagIters    = flag.Int("iters", 100, "Timed steps per experiment, after a short warm-up.")
	flagBackward = flag.Bool("backward", false, "Also run a backward pass (and gradient reset) each step.")
	flagDevices  = flag.Int("devices", 2, "Number of devices to split each model across (the world size).")
	flagBackend  = flag.String("backend", "",
		"Execution backend configuration, e.g. \"threaded\" or \"procgroup\". "+
			"Empty picks the default backend (or the TP_BACKEND environment variable).")
	flagSharded = flag.Bool("sharded", false,
		"Flat-shard the parameters no slicing rule claims instead of replicating them.")
	flagConfig = flag.String("config", "",
		"Path of a JSON slicing rule file. Empty derives a per-layer config from the model.")
)

func main() {
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("tpbench takes no positional arguments, see 'tpbench -help'")
		os.Exit(1)
	}
	if *flagIters <= 0 || *flagBatch <= 0 || *flagSeqLen <= 0 || *flagDevices <= 0 {
		klog.Errorf("--iters, --batch, --seqlen and --devices must be positive")
		os.Exit(1)
	}

	var cfg *slicing.Config
	if *flagConfig != "" {
		cfg = must.M1(slicing.FromJSON(must.M1(os.ReadFile(*flagConfig))))
	}

	out := termenv.NewOutput(os.Stdout)
	out.HideCursor()
	defer out.ShowCursor()

	var results []*result
	failures := 0
	for _, name := range strings.Split(*flagModel, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		spec, err := parseModelSpec(name)
		if err != nil {
			klog.Errorf("%v", err)
			failures++
			continue
		}
		e := &experiment{
			spec:     spec,
			batch:    *flagBatch,
			seqLen:   *flagSeqLen,
			iters:    *flagIters,
			backward: *flagBackward,
			world:    *flagDevices,
			backend:  *flagBackend,
			sharded:  *flagSharded,
			cfg:      cfg,
		}
		res, err := e.run()
		if err != nil {
			klog.Errorf("Experiment %s failed: %v", name, err)
			failures++
			continue
		}
		results = append(results, res)
	}

	if len(results) > 0 {
		printResults(results)
	}
	if failures > 0 {
		out.ShowCursor()
		os.Exit(1)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func printResults(results []*result) {
	fmt.Println(titleStyle.Render("Results"))
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 1 {
				return headerRowStyle
			}
			s := oddRowStyle
			if row%2 != 0 {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
	table.Row("Model", "World", "Backend", "Params", "Weights/device", "Mean step", "Best step", "Steps/s", "Examples/s")
	for _, res := range results {
		table.Row(
			res.name,
			fmt.Sprintf("%d", res.world),
			res.backend,
			humanize.Comma(int64(res.numParams)),
			humanize.Bytes(uint64(res.atRest)),
			formatDuration(res.mean),
			formatDuration(res.best),
			fmt.Sprintf("%.1f", res.stepsPerSec),
			fmt.Sprintf("%.1f", res.stepsPerSec*float64(*flagBatch)),
		)
	}
	fmt.Println(table.Render())
}

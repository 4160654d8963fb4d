package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"github.com/sugarme/gotch"
)

// flag variables
var (
	DataPath   string
	TrainIndex string
	ValIndex   string
	ModelPath  string
	ModelFrom  string
	CkptPath   string
	RunsDir    string
	Experiment string
	FusionStr  string
	OptStr     string
	Cuda       bool
	task       string
	Device     gotch.Device
)

// hyperparameters
var (
	LR        float64 // learning rate
	BatchSize int     // batch size
	Epochs    int     // training epochs
	TileSize  int     // patch size fed to the network
	TopK      int     // checkpoints kept by the callback
	DropRate  float64 // fused-feature dropout (conc fusion only)
)

// predict flags
var (
	T0Path  string
	T1Path  string
	OutPath string
)

func init() {
	flag.StringVar(&DataPath, "input", "./input", "specify patch root directory")
	flag.StringVar(&TrainIndex, "index", "./input/train.csv", "specify train patch index CSV")
	flag.StringVar(&ValIndex, "valindex", "./input/val.csv", "specify validation patch index CSV")
	flag.StringVar(&ModelPath, "model", "", "specify path to pretrained weight '.ot' file")
	flag.StringVar(&ModelFrom, "from", "scratch", "specify weight loading mode: 'checkpoint' or 'scratch'")
	flag.StringVar(&CkptPath, "ckpt", "./checkpoint", "specify checkpoint directory")
	flag.StringVar(&RunsDir, "runs", "./mlruns", "specify tracked-run directory")
	flag.StringVar(&Experiment, "experiment", "gers-change", "specify experiment name")
	flag.StringVar(&FusionStr, "fusion", "conc", "specify fusion variant: 'conc' or 'diff'")
	flag.StringVar(&OptStr, "opt", "Adam", "specify optimizer type")
	flag.BoolVar(&Cuda, "cuda", false, "specify whether using CUDA or not")
	flag.StringVar(&task, "task", "train", "specify task to run")
	flag.Float64Var(&LR, "lr", 0.001, "specify learning rate")
	flag.IntVar(&BatchSize, "batch", 8, "specify batch size")
	flag.IntVar(&Epochs, "epochs", 60, "specify training epochs")
	flag.IntVar(&TileSize, "tile", 256, "specify tile image size")
	flag.IntVar(&TopK, "topk", 5, "specify how many best checkpoints to keep")
	flag.Float64Var(&DropRate, "dropout", 0, "specify fused-feature dropout rate")
	flag.StringVar(&T0Path, "t0", "", "specify T0 image for predict task")
	flag.StringVar(&T1Path, "t1", "", "specify T1 image for predict task")
	flag.StringVar(&OutPath, "out", "./change-mask.png", "specify predict output file")
}

func main() {
	flag.Parse()

	DataPath = absPath(DataPath)

	Device = gotch.CPU
	if Cuda {
		Device = gotch.NewCuda().CudaIfAvailable()
	}

	switch task {
	case "train":
		runTrain()
	case "predict":
		runPredict()
	default:
		err := fmt.Errorf("unknown 'task' name %q, expected 'train' or 'predict'", task)
		panic(err)
	}
}

// helper to get absolute file path
func absPath(p string) string {
	fullpath, err := filepath.Abs(p)
	if err != nil {
		log.Fatal(err)
	}
	return fullpath
}

package main

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/ybricard/fccd/dutil"
	"github.com/ybricard/fccd/metric"
	"github.com/ybricard/fccd/siam"
	"github.com/ybricard/fccd/track"
)

func buildModel(p *nn.Path) *siam.ChangeUNet {
	cfg := siam.Config{
		EncoderName: "resnet34",
		Classes:     1,
	}

	var (
		net *siam.ChangeUNet
		err error
	)
	switch FusionStr {
	case "conc":
		cfg.DropRate = DropRate
		net, err = siam.NewFCSiamConc(p, cfg)
	case "diff":
		net, err = siam.NewFCSiamDiff(p, cfg)
	default:
		err = fmt.Errorf("invalid fusion option %q, expected 'conc' or 'diff'", FusionStr)
	}
	if err != nil {
		log.Fatal(err)
	}

	return net
}

func loadWeights(vs *nn.VarStore, fpath string, from string) {
	modelPath, err := filepath.Abs(fpath)
	if err != nil {
		log.Fatal(err)
	}

	switch from {
	case "checkpoint":
		err = vs.Load(modelPath)
		if err != nil {
			log.Fatal(err)
		}
	case "scratch":
		_, err = vs.LoadPartial(modelPath)
		if err != nil {
			log.Fatal(err)
		}
	default:
		err := fmt.Errorf("invalid load option, expected 'checkpoint' or 'scratch', got: %v", from)
		log.Fatal(err)
	}
}

func buildOptimizer(vs *nn.VarStore) *nn.Optimizer {
	var (
		opt *nn.Optimizer
		err error
	)
	switch OptStr {
	case "SGD":
		opt, err = nn.DefaultSGDConfig().Build(vs, LR)
	case "Adam":
		opt, err = nn.DefaultAdamConfig().Build(vs, LR)
	default:
		err = fmt.Errorf("unspecified/invalid optimizer option: %q", OptStr)
	}
	if err != nil {
		log.Fatal(err)
	}

	return opt
}

// stackBatch collapses loader samples into device tensors of shape
// (B, 2, C, H, W) and (B, 1, H, W).
func stackBatch(samples []PairSample) (input, target *ts.Tensor) {
	var imgs, masks []ts.Tensor
	for _, s := range samples {
		imgs = append(imgs, s.Images)
		masks = append(masks, s.Mask)
	}

	imgTs := ts.MustStack(imgs, 0)
	for _, x := range imgs {
		x.MustDrop()
	}
	maskTs := ts.MustStack(masks, 0)
	for _, x := range masks {
		x.MustDrop()
	}

	input = imgTs.MustTo(Device, true)
	target = maskTs.MustTo(Device, true)

	return input, target
}

func runTrain() {
	vs := nn.NewVarStore(Device)
	net := buildModel(vs.Root())
	if ModelPath != "" {
		loadWeights(vs, ModelPath, ModelFrom)
	}
	opt := buildOptimizer(vs)

	trainDS, err := NewChangeDataset(TrainIndex, DataPath, TileSize, true)
	if err != nil {
		log.Fatal(err)
	}
	sampler, err := dutil.NewBatchSampler(trainDS.Len(), BatchSize, true, true)
	if err != nil {
		log.Fatal(err)
	}
	trainDL, err := dutil.NewDataLoader(trainDS, sampler)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := track.NewLogger(track.LoggerConfig{
		SaveDir:        RunsDir,
		ExperimentName: Experiment,
		RunName:        fmt.Sprintf("fc-siam-%v-%v", FusionStr, time.Now().Unix()),
		Tags:           map[string]string{"fusion": FusionStr},
		LogModel:       track.LogModelFinal,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := logger.LogHyperparams(map[string]interface{}{
		"model": map[string]interface{}{
			"fusion":  FusionStr,
			"encoder": "resnet34",
			"depth":   5,
			"dropout": DropRate,
		},
		"optimizer":  OptStr,
		"lr":         LR,
		"batch_size": BatchSize,
		"epochs":     Epochs,
		"tile":       TileSize,
	}); err != nil {
		log.Fatal(err)
	}

	ckpt, err := track.NewCheckpoint(track.CheckpointConfig{
		Dirpath:  CkptPath,
		Monitor:  "val/iou",
		Mode:     "max",
		SaveTopK: TopK,
		SaveLast: true,
	})
	if err != nil {
		log.Fatal(err)
	}

	var trainLosses, valLosses []float64
	for e := 0; e < Epochs; e++ {
		start := time.Now()
		trainDL.Reset()

		var losses []float64
		for trainDL.HasNext() {
			s, err := trainDL.Next()
			if err != nil {
				log.Fatal(err)
			}

			input, target := stackBatch(s.([]PairSample))
			logit := net.ForwardT(input, true)
			input.MustDrop()
			pred := logit.MustTotype(gotch.Double, true)

			loss := metric.BCEWithLogitsLoss(pred, target)
			pred.MustDrop()
			target.MustDrop()

			opt.BackwardStep(loss)
			losses = append(losses, loss.Float64Values()[0])
			loss.MustDrop()
		}
		tloss := avg(losses)

		vloss, viou := doValidate(net, Device)
		fmt.Printf("Epoch %02d\t train loss: %6.4f\t valid loss: %6.4f\t iou: %6.4f\t taken time: %0.2fmin\n",
			e, tloss, vloss, viou, time.Since(start).Minutes())

		trainLosses = append(trainLosses, tloss)
		valLosses = append(valLosses, vloss)

		if err := logger.LogMetrics(map[string]interface{}{
			"train/loss": tloss,
			"val/loss":   vloss,
			"val/iou":    viou,
			"lr":         LR,
		}, int64(e)); err != nil {
			log.Fatal(err)
		}

		if _, err := ckpt.Update(vs, e, map[string]float64{"val/iou": viou}); err != nil {
			log.Fatal(err)
		}
		if err := logger.AfterSaveCheckpoint(ckpt); err != nil {
			log.Fatal(err)
		}
	}

	curve := filepath.Join(CkptPath, "loss-curve.png")
	if err := plotLossCurve(trainLosses, valLosses, curve); err != nil {
		log.Fatal(err)
	}
	if err := logger.LogArtifact(curve, "plots"); err != nil {
		log.Fatal(err)
	}

	if err := logger.Finalize("success"); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Best checkpoint: %v (val/iou %0.4f)\n", ckpt.BestModelPath(), ckpt.BestScore())
}

func doValidate(net *siam.ChangeUNet, device gotch.Device) (loss, iou float64) {
	valDS, err := NewChangeDataset(ValIndex, DataPath, TileSize, false)
	if err != nil {
		log.Fatal(err)
	}
	sampler, err := dutil.NewBatchSampler(valDS.Len(), BatchSize, false, false) // no shuffle
	if err != nil {
		log.Fatal(err)
	}
	valDL, err := dutil.NewDataLoader(valDS, sampler)
	if err != nil {
		log.Fatal(err)
	}

	var (
		losses []float64
		ious   []float64
	)
	for valDL.HasNext() {
		s, err := valDL.Next()
		if err != nil {
			log.Fatal(err)
		}

		input, target := stackBatch(s.([]PairSample))

		var logit *ts.Tensor
		ts.NoGrad(func() {
			logit = net.ForwardT(input, false).MustTotype(gotch.Double, true)
		})
		input.MustDrop()

		loss := metric.BCEWithLogitsLoss(logit, target)
		losses = append(losses, loss.Float64Values()[0])
		loss.MustDrop()

		prob := logit.MustSigmoid(true)
		ious = append(ious, metric.IoU(prob, target))

		prob.MustDrop()
		target.MustDrop()
	}

	return avg(losses), avg(ious)
}

func avg(input []float64) float64 {
	if len(input) == 0 {
		return 0
	}
	var sum float64
	for _, v := range input {
		sum += v
	}

	return sum / float64(len(input))
}

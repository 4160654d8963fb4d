package main

import (
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// plotLossCurve writes train/val loss-per-epoch curves to a PNG file.
func plotLossCurve(trainLosses, valLosses []float64, path string) error {
	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = "training loss"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"

	err = plotutil.AddLinePoints(p,
		"train", toXYs(trainLosses),
		"val", toXYs(valLosses),
	)
	if err != nil {
		return err
	}

	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}

func toXYs(losses []float64) plotter.XYs {
	xys := make(plotter.XYs, len(losses))
	for i, v := range losses {
		xys[i].X = float64(i)
		xys[i].Y = v
	}

	return xys
}

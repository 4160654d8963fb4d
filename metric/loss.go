package metric

import (
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// BCEWithLogitsLoss is binary cross entropy on logits, mean-reduced.
func BCEWithLogitsLoss(logit, target *ts.Tensor) *ts.Tensor {
	logitR := logit.MustReshape([]int64{-1}, false)
	targetR := target.MustReshape([]int64{-1}, false)

	// NOTE: reduction: none = 0; mean = 1; sum = 2
	// ref. https://pytorch.org/docs/master/nn.functional.html#torch.nn.functional.binary_cross_entropy_with_logits
	retVal := logitR.MustBinaryCrossEntropyWithLogits(targetR, ts.NewTensor(), ts.NewTensor(), 1, true)
	targetR.MustDrop()

	return retVal
}

// SoftDiceLoss is 1 - soft dice coefficient over probabilities. x is the
// predicted probability map, y the binary target.
// Ref. http://campar.in.tum.de/pub/milletari2016Vnet/milletari2016Vnet.pdf
func SoftDiceLoss(x, y *ts.Tensor) *ts.Tensor {
	dims := []int64{-2, -1}
	smooth := 1.0

	xyMul := x.MustMul(y, false)
	tp := xyMul.MustSum1(dims, false, gotch.Double, true)

	// fp = sum x * (1 - y), fn = sum (1 - x) * y
	y1 := y.MustMul1(ts.FloatScalar(-1), false).MustAdd1(ts.FloatScalar(1), true)
	xy1Mul := y1.MustMul(x, true)
	fp := xy1Mul.MustSum1(dims, false, gotch.Double, true)

	x1 := x.MustMul1(ts.FloatScalar(-1), false).MustAdd1(ts.FloatScalar(1), true)
	x1yMul := x1.MustMul(y, true)
	fn := x1yMul.MustSum1(dims, false, gotch.Double, true)

	numerator := tp.MustMul1(ts.FloatScalar(2.0), false).MustAdd1(ts.FloatScalar(smooth), true)
	denominator := numerator.MustAdd(fp, false).MustAdd(fn, false)

	dc := numerator.MustDiv(denominator, true)

	tp.MustDrop()
	fp.MustDrop()
	fn.MustDrop()
	denominator.MustDrop()

	mean := dc.MustMean(gotch.Double, true)

	retVal := mean.MustMul1(ts.FloatScalar(-1), true).MustAdd1(ts.FloatScalar(1), true)
	return retVal
}

// ComboLoss mixes BCE-with-logits and soft dice (0.8/0.2).
func ComboLoss(logit, target *ts.Tensor) *ts.Tensor {
	bce := BCEWithLogitsLoss(logit, target).MustMul1(ts.FloatScalar(0.8), true)
	prob := logit.MustSigmoid(false)
	dice := SoftDiceLoss(prob, target).MustMul1(ts.FloatScalar(0.2), true)
	prob.MustDrop()

	retVal := bce.MustAdd(dice, true)
	dice.MustDrop()

	return retVal
}

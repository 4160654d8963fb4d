package metric

import (
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

const threshold = 0.5

// binarize flattens pred/target and thresholds at 0.5.
func binarize(pred, target *ts.Tensor) (p, t *ts.Tensor) {
	pflat := pred.MustView([]int64{-1}, false)
	tflat := target.MustView([]int64{-1}, false)
	p = pflat.MustGt(ts.FloatScalar(threshold), true)
	t = tflat.MustGt(ts.FloatScalar(threshold), true)

	return p, t
}

// DiceCoeff computes the dice coefficient 2|P∩T| / (|P| + |T|) after
// thresholding both maps at 0.5.
func DiceCoeff(pred, target *ts.Tensor) float64 {
	p, t := binarize(pred, target)
	ptMul := p.MustMul(t, false)
	overlap := ptMul.MustSum(gotch.Double, true).Float64Values()[0]
	union := p.MustSum(gotch.Double, false).Float64Values()[0] + t.MustSum(gotch.Double, false).Float64Values()[0]
	p.MustDrop()
	t.MustDrop()

	return (2 * overlap) / (union + 0.001)
}

// DiceCoeffBatch averages DiceCoeff over the leading batch dimension.
func DiceCoeffBatch(pred, target *ts.Tensor) float64 {
	n := pred.MustSize()[0]
	var sum float64
	for i := int64(0); i < n; i++ {
		pi := pred.MustSelect(0, i, false)
		ti := target.MustSelect(0, i, false)
		sum += DiceCoeff(pi, ti)
		pi.MustDrop()
		ti.MustDrop()
	}

	return sum / float64(n)
}

// IoU computes intersection over union |P∩T| / |P∪T| after thresholding
// at 0.5.
func IoU(pred, target *ts.Tensor) float64 {
	p, t := binarize(pred, target)
	ptMul := p.MustMul(t, false)
	overlap := ptMul.MustSum(gotch.Double, true).Float64Values()[0]
	total := p.MustSum(gotch.Double, false).Float64Values()[0] + t.MustSum(gotch.Double, false).Float64Values()[0]
	p.MustDrop()
	t.MustDrop()

	return overlap / (total - overlap + 0.001)
}

// JaccardIndex is the IoU macro-averaged over non-background classes of an
// integer class map.
func JaccardIndex(pred, target *ts.Tensor, nclasses int64) float64 {
	pflat := pred.MustView([]int64{-1}, false)
	tflat := target.MustView([]int64{-1}, false)

	var sum float64
	var counted int64
	for c := int64(1); c < nclasses; c++ {
		p := pflat.MustEq(ts.IntScalar(c), false)
		t := tflat.MustEq(ts.IntScalar(c), false)
		ptMul := p.MustMul(t, false)
		overlap := ptMul.MustSum(gotch.Double, true).Float64Values()[0]
		total := p.MustSum(gotch.Double, false).Float64Values()[0] + t.MustSum(gotch.Double, false).Float64Values()[0]
		p.MustDrop()
		t.MustDrop()

		union := total - overlap
		if union == 0 {
			continue
		}
		sum += overlap / union
		counted++
	}
	pflat.MustDrop()
	tflat.MustDrop()

	if counted == 0 {
		return 0
	}
	return sum / float64(counted)
}

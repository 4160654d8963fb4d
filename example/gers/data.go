package main

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/nfnt/resize"
	ts "github.com/sugarme/gotch/tensor"
)

// PairSample is one bitemporal training sample: Images is a (2, C, H, W)
// tensor holding the T0 and T1 patches, Mask is the (1, H, W) change mask.
type PairSample struct {
	Images ts.Tensor
	Mask   ts.Tensor
}

type patchRow struct {
	t0   string
	t1   string
	mask string
}

// ChangeDataset reads bitemporal patch pairs listed in a CSV index with
// columns t0, t1 and change, each holding a path relative to rootDir.
type ChangeDataset struct {
	rootDir  string
	rows     []patchRow
	tileSize int
	training bool // enables random horizontal flip
}

// NewChangeDataset loads the CSV patch index.
func NewChangeDataset(indexPath, rootDir string, tileSize int, training bool) (*ChangeDataset, error) {
	f, err := os.Open(indexPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true))
	if df.Err != nil {
		return nil, fmt.Errorf("read patch index %v: %w", indexPath, df.Err)
	}

	t0s := df.Col("t0").Records()
	t1s := df.Col("t1").Records()
	masks := df.Col("change").Records()
	if len(t0s) != len(t1s) || len(t0s) != len(masks) {
		return nil, fmt.Errorf("patch index %v: ragged columns", indexPath)
	}

	rows := make([]patchRow, 0, len(t0s))
	for i := range t0s {
		rows = append(rows, patchRow{t0: t0s[i], t1: t1s[i], mask: masks[i]})
	}

	return &ChangeDataset{
		rootDir:  rootDir,
		rows:     rows,
		tileSize: tileSize,
		training: training,
	}, nil
}

// Len implements dutil.Dataset.
func (ds *ChangeDataset) Len() int {
	return len(ds.rows)
}

// Item implements dutil.Dataset.
func (ds *ChangeDataset) Item(idx int) (interface{}, error) {
	row := ds.rows[idx]

	t0, err := ds.loadPatch(row.t0)
	if err != nil {
		return nil, err
	}
	t1, err := ds.loadPatch(row.t1)
	if err != nil {
		return nil, err
	}
	mask, err := ds.loadPatch(row.mask)
	if err != nil {
		return nil, err
	}

	if ds.training && rand.Float64() < 0.5 {
		t0 = imaging.FlipH(t0)
		t1 = imaging.FlipH(t1)
		mask = imaging.FlipH(mask)
	}

	t0Ts := imageToTensor(t0)
	t1Ts := imageToTensor(t1)
	maskTs := maskToTensor(mask)

	pair := ts.MustStack([]ts.Tensor{*t0Ts, *t1Ts}, 0)
	t0Ts.MustDrop()
	t1Ts.MustDrop()

	return PairSample{
		Images: *pair,
		Mask:   *maskTs,
	}, nil
}

func (ds *ChangeDataset) loadPatch(name string) (image.Image, error) {
	img, err := readImage(filepath.Join(ds.rootDir, name))
	if err != nil {
		return nil, err
	}

	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	if w != ds.tileSize || h != ds.tileSize {
		img = resize.Resize(uint(ds.tileSize), uint(ds.tileSize), img, resize.Lanczos3)
	}

	return img, nil
}

// readImage reads image from file.
func readImage(filename string) (image.Image, error) {
	ext := filepath.Ext(filename)
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch ext {
	case ".png", ".PNG":
		return png.Decode(f)
	case ".jpg", ".jpeg", ".JPG", ".JPEG":
		return jpeg.Decode(f)
	case ".tiff", ".tif", ".TIFF", ".TIF":
		return tiff.Decode(f)
	default:
		return nil, fmt.Errorf("unsupported image format: %v", ext)
	}
}

// imageToTensor converts an image to a (3, H, W) float tensor in [0, 1].
func imageToTensor(img image.Image) *ts.Tensor {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	data := make([]float32, 3*h*w)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*w + x
			data[i] = float32(r>>8) / 255.0
			data[plane+i] = float32(g>>8) / 255.0
			data[2*plane+i] = float32(b>>8) / 255.0
		}
	}

	return ts.MustOfSlice(data).MustView([]int64{3, int64(h), int64(w)}, true)
}

// maskToTensor converts a change-mask image to a binary (1, H, W) tensor.
func maskToTensor(img image.Image) *ts.Tensor {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	data := make([]float32, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			if r>>8 > 127 {
				data[y*w+x] = 1.0
			}
		}
	}

	return ts.MustOfSlice(data).MustView([]int64{1, int64(h), int64(w)}, true)
}

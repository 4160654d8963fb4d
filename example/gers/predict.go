package main

import (
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"strings"

	"github.com/nfnt/resize"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"golang.org/x/image/draw"
)

// runPredict forwards one T0/T1 pair through a trained model and writes the
// thresholded change mask plus an overlay of the mask on the T1 image.
func runPredict() {
	if T0Path == "" || T1Path == "" {
		log.Fatal("predict task requires -t0 and -t1 image paths")
	}
	if ModelPath == "" {
		log.Fatal("predict task requires a -model checkpoint")
	}

	vs := nn.NewVarStore(Device)
	net := buildModel(vs.Root())
	loadWeights(vs, ModelPath, "checkpoint")

	t0, err := readImage(T0Path)
	if err != nil {
		log.Fatal(err)
	}
	t1, err := readImage(T1Path)
	if err != nil {
		log.Fatal(err)
	}
	t0 = resize.Resize(uint(TileSize), uint(TileSize), t0, resize.Lanczos3)
	t1 = resize.Resize(uint(TileSize), uint(TileSize), t1, resize.Lanczos3)

	t0Ts := imageToTensor(t0)
	t1Ts := imageToTensor(t1)
	pair := ts.MustStack([]ts.Tensor{*t0Ts, *t1Ts}, 0)
	t0Ts.MustDrop()
	t1Ts.MustDrop()
	input := pair.MustUnsqueeze(0, true).MustTo(Device, true)

	var prob *ts.Tensor
	ts.NoGrad(func() {
		logit := net.ForwardT(input, false)
		prob = logit.MustSigmoid(true)
	})
	input.MustDrop()

	mask := tensorToMask(prob, TileSize, TileSize)
	prob.MustDrop()

	if err := writePNG(mask, OutPath); err != nil {
		log.Fatal(err)
	}

	overlayPath := strings.TrimSuffix(OutPath, ".png") + "-overlay.png"
	if err := writePNG(overlayMask(t1, mask), overlayPath); err != nil {
		log.Fatal(err)
	}
	log.Printf("change mask written to %v, overlay to %v", OutPath, overlayPath)
}

// tensorToMask converts a (1, 1, H, W) probability tensor to a binary
// grayscale image thresholded at 0.5.
func tensorToMask(prob *ts.Tensor, w, h int) *image.Gray {
	flat := prob.MustView([]int64{-1}, false)
	vals := flat.Float64Values()
	flat.MustDrop()

	mask := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if vals[y*w+x] > 0.5 {
				mask.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	return mask
}

// overlayMask draws the change mask over the T1 image at 25% opacity.
func overlayMask(img image.Image, mask image.Image) image.Image {
	bounds := img.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, img, image.Point{}, draw.Src)

	opacity := image.NewUniform(color.Alpha{64}) // 25% opacity
	draw.DrawMask(dst, bounds, mask, image.Point{}, opacity, image.Point{}, draw.Over)

	return dst
}

func writePNG(img image.Image, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	return png.Encode(out, img)
}

// Package baseline compares run screenshots against known-good captures
// and renders a visual diff for anything that drifted.
package baseline

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
)

// channelTolerance is the per-channel delta (0-255) below which two
// pixels count as equal. Headless renders jitter by a few values around
// anti-aliased edges.
const channelTolerance = 8

// Diff summarizes one baseline comparison.
type Diff struct {
	BaselinePath  string  `json:"baseline_path"`
	CandidatePath string  `json:"candidate_path"`
	DiffImage     string  `json:"diff_image,omitempty"`
	DiffPixels    int     `json:"diff_pixels"`
	TotalPixels   int     `json:"total_pixels"`
	Ratio         float64 `json:"ratio"`
	SizeMismatch  bool    `json:"size_mismatch,omitempty"`
}

// Compare diffs candidatePath against baselinePath. When pixels differ
// and diffPath is non-empty, a copy of the candidate with differing
// pixels marked red is written there. Differently sized images are
// reported as a full diff, not an error.
func Compare(baselinePath, candidatePath, diffPath string) (*Diff, error) {
	base, err := readPNG(baselinePath)
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	cand, err := readPNG(candidatePath)
	if err != nil {
		return nil, fmt.Errorf("candidate: %w", err)
	}

	d := &Diff{BaselinePath: baselinePath, CandidatePath: candidatePath}

	bb, cb := base.Bounds(), cand.Bounds()
	if bb.Dx() != cb.Dx() || bb.Dy() != cb.Dy() {
		d.SizeMismatch = true
		d.TotalPixels = max(bb.Dx()*bb.Dy(), cb.Dx()*cb.Dy())
		d.DiffPixels = d.TotalPixels
		d.Ratio = 1.0
		return d, nil
	}

	overlay := image.NewRGBA(cb)
	draw.Draw(overlay, cb, cand, cb.Min, draw.Src)

	red := color.RGBA{R: 0xff, A: 0xff}
	for y := 0; y < cb.Dy(); y++ {
		for x := 0; x < cb.Dx(); x++ {
			bp := base.At(bb.Min.X+x, bb.Min.Y+y)
			cp := cand.At(cb.Min.X+x, cb.Min.Y+y)
			if !pixelsMatch(bp, cp) {
				d.DiffPixels++
				overlay.SetRGBA(cb.Min.X+x, cb.Min.Y+y, red)
			}
		}
	}
	d.TotalPixels = cb.Dx() * cb.Dy()
	if d.TotalPixels > 0 {
		d.Ratio = float64(d.DiffPixels) / float64(d.TotalPixels)
	}

	if d.DiffPixels > 0 && diffPath != "" {
		if err := writePNG(diffPath, overlay); err != nil {
			return nil, fmt.Errorf("write diff image: %w", err)
		}
		d.DiffImage = diffPath
	}
	return d, nil
}

func pixelsMatch(a, b color.Color) bool {
	ar, ag, ab2, aa := a.RGBA()
	br, bg, bb2, ba := b.RGBA()
	return channelClose(ar, br) && channelClose(ag, bg) && channelClose(ab2, bb2) && channelClose(aa, ba)
}

func channelClose(a, b uint32) bool {
	// RGBA() returns 16-bit channels; scale the tolerance to match.
	const tol = channelTolerance << 8
	if a > b {
		return a-b <= tol
	}
	return b-a <= tol
}

func readPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

package masks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/forPelevin/unmark/internal/types"
)

// Threshold splits gray levels into keep (black) and inpaint (white).
const Threshold = 128

type Stager struct{}

func New() *Stager { return &Stager{} }

// Stage checks that src matches the frame size and writes a strictly
// black/white PNG to dst. It returns the hex SHA-256 of src.
func (s *Stager) Stage(src, dst string, width, height int) (string, error) {
	raw, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read mask: %w", err)
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decode mask %s: %w", src, err)
	}
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		return "", fmt.Errorf("%w: %s is %dx%d, video is %dx%d",
			types.ErrResolutionMismatch, src, b.Dx(), b.Dy(), width, height)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	if err := imaging.Save(Binarize(img), dst); err != nil {
		return "", fmt.Errorf("save mask: %w", err)
	}
	return digest, nil
}

// Binarize converts img to grayscale and thresholds it. Transparent pixels
// count as black.
func Binarize(img image.Image) *image.Gray {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			i := gray.PixOffset(x+b.Min.X, y+b.Min.Y)
			v, a := gray.Pix[i], gray.Pix[i+3]
			if a >= Threshold && v >= Threshold {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

package rembg

import (
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// toNRGBA 复制为原点在 (0,0) 的 NRGBA，不修改输入
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// minCutoutShare 透明像素（alpha < 255）至少占这个比例才认为图片已经抠过
const minCutoutShare = 0.01

// hasUsefulAlpha 检查 alpha 通道是否真的包含透明信息
// 零星的半透明像素（压缩噪点、水印）不算
func hasUsefulAlpha(img *image.NRGBA) bool {
	total := img.Bounds().Dx() * img.Bounds().Dy()
	need := max(1, int(math.Ceil(float64(total)*minCutoutShare)))

	n := 0
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 255 {
			n++
			if n >= need {
				return true
			}
		}
	}
	return false
}

// resizeWithinMax 缩放（最长边 <= maxSize），不需要缩放时原样返回
func resizeWithinMax(img *image.NRGBA, maxSize int) *image.NRGBA {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	longest := max(w, h)

	if longest <= maxSize {
		return img
	}

	scale := float64(maxSize) / float64(longest)
	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))

	resized := resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3)
	return toNRGBA(resized)
}

// scaleMask 把低分辨率 mask 双线性放大到 w×h，边缘得到过渡 alpha
func scaleMask(mask *image.Gray, w, h int) *image.Gray {
	if mask.Bounds().Dx() == w && mask.Bounds().Dy() == h {
		return mask
	}

	scaled := resize.Resize(uint(w), uint(h), mask, resize.Bilinear)
	if g, ok := scaled.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}

	b := scaled.Bounds()
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.SetGray(x, y, color.GrayModel.Convert(scaled.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
		}
	}
	return out
}

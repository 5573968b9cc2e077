package rembg

import (
	"context"
	"image"
	"math"
	"slices"
)

// KeyRemover 基于边框取色的抠图，不依赖模型
//
//  1. 取图像四条边的像素中位色作为背景色
//  2. 在缩小后的图上从边框做 flood fill，颜色距离 <= tolerance 的连通像素视为背景
//  3. mask 放大回原尺寸写入 alpha
//
// 已经带透明信息的图片原样返回
type KeyRemover struct {
	tolerance   float64
	maxMaskSize int
}

func NewKeyRemover(tolerance float64, maxMaskSize int) *KeyRemover {
	return &KeyRemover{tolerance: tolerance, maxMaskSize: maxMaskSize}
}

func (k *KeyRemover) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := toNRGBA(img)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	if w == 0 || h == 0 || hasUsefulAlpha(out) {
		return out, nil
	}

	small := resizeWithinMax(out, k.maxMaskSize)
	mask := k.backgroundMask(small)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mask = scaleMask(mask, w, h)

	for y := 0; y < h; y++ {
		row := y * out.Stride
		for x := 0; x < w; x++ {
			out.Pix[row+x*4+3] = mask.Pix[y*mask.Stride+x]
		}
	}

	return out, nil
}

// backgroundMask 返回前景 mask：背景 0，前景 255
func (k *KeyRemover) backgroundMask(img *image.NRGBA) *image.Gray {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i := range mask.Pix {
		mask.Pix[i] = 255
	}

	bg := borderColor(img)
	limit := k.tolerance * k.tolerance * 3 * 255 * 255

	near := func(x, y int) bool {
		i := y*img.Stride + x*4
		dr := float64(img.Pix[i]) - bg[0]
		dg := float64(img.Pix[i+1]) - bg[1]
		db := float64(img.Pix[i+2]) - bg[2]
		return dr*dr+dg*dg+db*db <= limit
	}

	visited := make([]bool, w*h)
	queue := make([]image.Point, 0, 2*(w+h))
	push := func(x, y int) {
		if x < 0 || y < 0 || x >= w || y >= h {
			return
		}
		idx := y*w + x
		if visited[idx] {
			return
		}
		visited[idx] = true
		if !near(x, y) {
			return
		}
		mask.Pix[y*mask.Stride+x] = 0
		queue = append(queue, image.Point{X: x, Y: y})
	}

	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}

	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		push(p.X+1, p.Y)
		push(p.X-1, p.Y)
		push(p.X, p.Y+1)
		push(p.X, p.Y-1)
	}

	return mask
}

// borderColor 四条边像素各通道的中位数
func borderColor(img *image.NRGBA) [3]float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	var ch [3][]uint8

	add := func(x, y int) {
		i := y*img.Stride + x*4
		for c := 0; c < 3; c++ {
			ch[c] = append(ch[c], img.Pix[i+c])
		}
	}
	for x := 0; x < w; x++ {
		add(x, 0)
		if h > 1 {
			add(x, h-1)
		}
	}
	for y := 1; y < h-1; y++ {
		add(0, y)
		if w > 1 {
			add(w-1, y)
		}
	}

	var out [3]float64
	for c := 0; c < 3; c++ {
		slices.Sort(ch[c])
		out[c] = float64(ch[c][len(ch[c])/2])
	}
	return out
}

// Coverage 返回 alpha > 0 的像素占比，用于日志
func Coverage(img image.Image) float64 {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	opaque := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a > 0 {
				opaque++
			}
		}
	}
	return math.Round(float64(opaque)/float64(total)*1000) / 1000
}

package util

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/chaos-io/rembg-api/util/log"
)

// OutputSuffix 去背景结果文件名后缀
const OutputSuffix = "_rmbg.png"

// OpenImage 打开本地图片，返回图片和格式名
func OpenImage(path string) (image.Image, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = file.Close()
	}()

	return DecodeImage(file)
}

// DecodeImage 解码 png/jpeg/gif/bmp/tiff/webp
func DecodeImage(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// DecodeImageBytes 从内存解码图片
func DecodeImageBytes(data []byte) (image.Image, string, error) {
	return DecodeImage(bytes.NewReader(data))
}

// EncodePNG 编码为带 alpha 通道的 PNG（RGBA，color type 6），完全不透明的图片也一样
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(w, withAlpha{toNRGBA(img)}); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

// withAlpha 让 png 编码器不走不透明图片的 RGB 分支
type withAlpha struct {
	*image.NRGBA
}

func (withAlpha) Opaque() bool { return false }

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}

// OutputPath 派生输出路径：去掉扩展名 + _rmbg.png
func OutputPath(origin string) string {
	return strings.TrimSuffix(origin, filepath.Ext(origin)) + OutputSuffix
}

// Trace 打印耗时，用法：defer util.Trace("remove")()
func Trace(msg string) func() {
	start := time.Now()
	return func() {
		log.Infof("%s took %s", msg, time.Since(start))
	}
}

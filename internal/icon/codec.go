package icon

import (
	"bufio"
	"fmt"
	"image"
	_ "image/jpeg" // 新图标允许 jpeg
	"image/png"
	"io"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // 新图标允许 webp
)

// Codec 位图编解码与缩放
type Codec interface {
	Decode(r io.Reader) (image.Image, error)
	ResizeExact(img image.Image, width, height int) image.Image
	Encode(w io.Writer, img image.Image) error
}

// PNGCodec 默认实现：任意已注册格式解码，最近邻缩放，PNG 编码
type PNGCodec struct{}

func (PNGCodec) Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(bufio.NewReader(r))
	return img, err
}

// ResizeExact 最近邻缩放到精确尺寸
func (PNGCodec) ResizeExact(img image.Image, width, height int) image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func (PNGCodec) Encode(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

func decodeFile(codec Codec, path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := codec.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

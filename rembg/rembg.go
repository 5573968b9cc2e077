package rembg

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/chaos-io/rembg-api/config"
)

const (
	EngineBuiltin = "builtin"
	EngineExec    = "exec"
	EngineHTTP    = "http"
)

var ErrUnknownEngine = errors.New("unknown remover engine")

// Remover 去除背景：输出与输入尺寸相同，背景像素 alpha 为 0
type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// Func 把普通函数适配为 Remover
type Func func(ctx context.Context, img image.Image) (image.Image, error)

func (f Func) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	return f(ctx, img)
}

// New 按配置创建 Remover
func New(c config.RemoverConfig) (Remover, error) {
	switch c.Engine {
	case EngineBuiltin:
		return NewKeyRemover(c.Tolerance, c.MaxMaskSize), nil
	case EngineExec:
		return NewCommandRemover(c.Command, c.Args, c.Timeout), nil
	case EngineHTTP:
		return NewRemoteRemover(c.Endpoint, c.Timeout), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, c.Engine)
	}
}

package rembg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaos-io/rembg-api/util"
)

// CommandRemover 调用外部命令（默认 rembg CLI）完成抠图
// 参数中的 {input} 和 {output} 会被替换为临时文件路径
type CommandRemover struct {
	command string
	args    []string
	timeout time.Duration
}

func NewCommandRemover(command string, args []string, timeout time.Duration) *CommandRemover {
	return &CommandRemover{
		command: command,
		args:    args,
		timeout: timeout,
	}
}

func (c *CommandRemover) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp("", "rembg-exec-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()

	input := filepath.Join(dir, "input.png")
	output := filepath.Join(dir, "output.png")
	if err := writePNG(input, img); err != nil {
		return nil, err
	}

	args := make([]string, len(c.args))
	for i, a := range c.args {
		a = strings.ReplaceAll(a, "{input}", input)
		args[i] = strings.ReplaceAll(a, "{output}", output)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run %s: %w: %s", c.command, err, strings.TrimSpace(stderr.String()))
	}

	result, _, err := util.OpenImage(output)
	if err != nil {
		return nil, fmt.Errorf("read %s output: %w", c.command, err)
	}
	if result.Bounds().Size() != img.Bounds().Size() {
		return nil, fmt.Errorf("%s changed image size from %v to %v", c.command, img.Bounds().Size(), result.Bounds().Size())
	}
	return result, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := util.EncodePNG(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

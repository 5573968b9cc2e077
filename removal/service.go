package removal

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/chaos-io/rembg-api/rembg"
	"github.com/chaos-io/rembg-api/util"
	nhttp "github.com/chaos-io/rembg-api/util/http"
	"github.com/chaos-io/rembg-api/util/log"
	"github.com/chaos-io/rembg-api/workspace"
)

// DownloadName URL 输入保存在工作目录中的固定文件名
const DownloadName = "download.png"

type Options struct {
	MaxUploadBytes   int64
	MaxDownloadBytes int64
	DownloadTimeout  time.Duration
}

// Input 上传文件或 URL，二选一，File 优先
type Input struct {
	File     io.Reader
	Filename string
	URL      string
}

// Result 处理结果，输出文件在 Release 之前有效
type Result struct {
	InputPath  string
	OutputPath string
	Format     string
	Width      int
	Height     int
	Coverage   float64

	ws *workspace.Workspace
}

// Open 打开输出 PNG
func (r *Result) Open() (afero.File, error) {
	return r.ws.Open(r.OutputPath)
}

// Release 删除本次请求的工作目录
func (r *Result) Release() error {
	return r.ws.Release()
}

type Service struct {
	workspaces *workspace.Manager
	remover    rembg.Remover
	cli        nhttp.IClient
	opts       Options
}

func NewService(workspaces *workspace.Manager, remover rembg.Remover, cli nhttp.IClient, opts Options) *Service {
	return &Service{
		workspaces: workspaces,
		remover:    remover,
		cli:        cli,
		opts:       opts,
	}
}

// Process 获取输入、保存到独立工作目录、去背景、写出 PNG
// 成功时调用方必须 Release 结果；失败时工作目录已被释放
func (s *Service) Process(ctx context.Context, in Input) (res *Result, err error) {
	if in.File == nil && strings.TrimSpace(in.URL) == "" {
		return nil, NewError(MissingInput, nil)
	}

	ws, err := s.workspaces.Acquire()
	if err != nil {
		return nil, NewError(SaveFailure, err)
	}
	defer func() {
		// 出错或 panic 时 res 为 nil
		if res == nil {
			if rerr := ws.Release(); rerr != nil {
				log.FromContext(ctx).WithError(rerr).Warn("failed to release workspace")
			}
		}
	}()

	logger := log.FromContext(ctx).WithField("workspace", ws.ID())

	var (
		img       image.Image
		format    string
		inputPath string
	)
	if in.File != nil {
		inputPath, err = ws.Save(in.Filename, in.File, s.opts.MaxUploadBytes)
		if err != nil {
			return nil, NewError(SaveFailure, err)
		}
		logger.WithField("path", inputPath).Info("file saved")

		img, format, err = s.decodeFile(ws, inputPath)
		if err != nil {
			return nil, NewError(ProcessingFailure, err)
		}
	} else {
		img, format, err = s.download(ctx, strings.TrimSpace(in.URL))
		if err != nil {
			return nil, err
		}
		inputPath, err = s.savePNG(ws, DownloadName, img)
		if err != nil {
			return nil, NewError(SaveFailure, err)
		}
		logger.WithFields(log.Fields{"url": in.URL, "path": inputPath}).Info("image downloaded")
	}

	start := time.Now()
	out, err := s.remover.Remove(ctx, img)
	if err != nil {
		return nil, NewError(ProcessingFailure, fmt.Errorf("remove background: %w", err))
	}
	if out == nil || out.Bounds().Size() != img.Bounds().Size() {
		return nil, NewError(ProcessingFailure, errors.New("remover returned an image of different size"))
	}

	outputPath, err := s.savePNG(ws, filepath.Base(util.OutputPath(inputPath)), out)
	if err != nil {
		return nil, NewError(ProcessingFailure, err)
	}

	res = &Result{
		InputPath:  inputPath,
		OutputPath: outputPath,
		Format:     format,
		Width:      out.Bounds().Dx(),
		Height:     out.Bounds().Dy(),
		Coverage:   rembg.Coverage(out),
		ws:         ws,
	}
	logger.WithFields(log.Fields{
		"output":   outputPath,
		"format":   format,
		"size":     fmt.Sprintf("%dx%d", res.Width, res.Height),
		"coverage": res.Coverage,
		"took":     time.Since(start).String(),
	}).Info("background removed")

	return res, nil
}

// ProcessTo 处理并把 PNG 写入 w，工作目录随即释放
func (s *Service) ProcessTo(ctx context.Context, in Input, w io.Writer) (*Result, error) {
	res, err := s.Process(ctx, in)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = res.Release()
	}()

	f, err := res.Open()
	if err != nil {
		return nil, NewError(ProcessingFailure, err)
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := io.Copy(w, f); err != nil {
		return nil, fmt.Errorf("write result: %w", err)
	}
	return res, nil
}

func (s *Service) decodeFile(ws *workspace.Workspace, path string) (image.Image, string, error) {
	f, err := ws.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = f.Close()
	}()
	return util.DecodeImage(f)
}

func (s *Service) savePNG(ws *workspace.Workspace, name string, img image.Image) (string, error) {
	f, path, err := ws.Create(name)
	if err != nil {
		return "", err
	}
	if err := util.EncodePNG(f, img); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// download 下载并解码远程图片，非 2xx 状态码或网络错误为 DownloadFailure
func (s *Service) download(ctx context.Context, rawURL string) (image.Image, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", NewError(DownloadFailure, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", NewError(DownloadFailure, fmt.Errorf("unsupported url scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, "", NewError(DownloadFailure, errors.New("url has no host"))
	}

	var data []byte
	err = s.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI:   u.String(),
		Method:       http.MethodGet,
		Response:     &data,
		Timeout:      s.opts.DownloadTimeout,
		MaxBodyBytes: s.opts.MaxDownloadBytes,
	})
	if err != nil {
		return nil, "", NewError(DownloadFailure, err)
	}

	img, format, err := util.DecodeImageBytes(data)
	if err != nil {
		return nil, "", NewError(ProcessingFailure, err)
	}
	return img, format, nil
}

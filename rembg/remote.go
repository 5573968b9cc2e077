package rembg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/chaos-io/rembg-api/util"
	nhttp "github.com/chaos-io/rembg-api/util/http"
	"github.com/chaos-io/rembg-api/util/log"
)

// maxRemoteResult 远端返回 PNG 的上限
const maxRemoteResult = 256 << 20

// RemoteRemover 通过 HTTP 调用 rembg 兼容的推理服务
/*
	curl -X POST "$ENDPOINT" -F "file=@my_image.png" -o out.png
*/
type RemoteRemover struct {
	endpoint string
	timeout  time.Duration
	cli      nhttp.IClient
}

func NewRemoteRemover(endpoint string, timeout time.Duration) *RemoteRemover {
	return &RemoteRemover{
		endpoint: endpoint,
		timeout:  timeout,
		cli:      nhttp.NewHTTPClient(),
	}
}

func (r *RemoteRemover) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := util.EncodePNG(part, img); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	var result []byte
	reqParam := &nhttp.RequestParam{
		RequestURI:   r.endpoint,
		Method:       http.MethodPost,
		Header:       map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:         body,
		Response:     &result,
		Timeout:      r.timeout,
		MaxBodyBytes: maxRemoteResult,
	}
	if err := r.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	log.WithFields(log.Fields{"endpoint": r.endpoint, "bytes": len(result)}).Debug("get the response")

	out, _, err := util.DecodeImageBytes(result)
	if err != nil {
		return nil, fmt.Errorf("decode remote result: %w", err)
	}
	if out.Bounds().Size() != img.Bounds().Size() {
		return nil, fmt.Errorf("remote changed image size from %v to %v", img.Bounds().Size(), out.Bounds().Size())
	}
	return out, nil
}

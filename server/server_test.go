package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/rembg-api/rembg"
	"github.com/chaos-io/rembg-api/removal"
	"github.com/chaos-io/rembg-api/util"
	nhttp "github.com/chaos-io/rembg-api/util/http"
	"github.com/chaos-io/rembg-api/workspace"
)

const maxUpload = 1 << 20

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestEngine(t *testing.T, remover rembg.Remover) (*gin.Engine, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	svc := removal.NewService(workspace.NewManager(fs, "/work"), remover, nhttp.NewHTTPClient(), removal.Options{
		MaxUploadBytes:   maxUpload,
		MaxDownloadBytes: maxUpload,
		DownloadTimeout:  2 * time.Second,
	})
	return NewEngine(svc, Options{
		CORSOrigins:    []string{"*"},
		MaxUploadBytes: maxUpload,
		Version:        "test",
	}), fs
}

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 255, G: 255, B: 255, A: 255}
			if x > w/4 && x < 3*w/4 && y > h/4 && y < 3*h/4 {
				c = color.RGBA{R: 20, G: 90, B: 200, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, util.EncodePNG(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, field, filename string, data []byte, extra map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if field != "" {
		part, err := writer.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range extra {
		require.NoError(t, writer.WriteField(k, v))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/remove-background/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func urlRequest(target string) *http.Request {
	form := url.Values{"url": {target}}
	req := httptest.NewRequest(http.MethodPost, "/remove-background/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func serve(engine *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Contains(t, body, "error")
	return body["error"]
}

func assertTransparentPNG(t *testing.T, w *httptest.ResponseRecorder, width, height int) {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="processed_image.png"`, w.Header().Get("Content-Disposition"))

	img, format, err := util.DecodeImageBytes(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Pt(width, height), img.Bounds().Size())

	_, _, _, a := img.At(0, 0).RGBA()
	assert.Zero(t, a, "background should be transparent")
	_, _, _, a = img.At(width/2, height/2).RGBA()
	assert.NotZero(t, a, "subject should stay opaque")
}

func assertWorkRootEmpty(t *testing.T, fs afero.Fs) {
	t.Helper()
	entries, err := afero.ReadDir(fs, "/work")
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestIndex(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t, rembg.NewKeyRemover(0.12, 512))
	w := serve(engine, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Background Removal API")
	assert.Contains(t, w.Body.String(), "/remove-background/")
}

func TestHealth(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t, rembg.NewKeyRemover(0.12, 512))
	w := serve(engine, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message": "The API is working correctly."}`, w.Body.String())
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t, rembg.NewKeyRemover(0.12, 512))

	w := serve(engine, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, w.Header().Get("X-Request-Id"), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "client-id-1")
	w = serve(engine, req)
	assert.Equal(t, "client-id-1", w.Header().Get("X-Request-Id"))
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t, rembg.NewKeyRemover(0.12, 512))
	req := httptest.NewRequest(http.MethodOptions, "/remove-background/", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := serve(engine, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t, rembg.NewKeyRemover(0.12, 512))
	w := serve(engine, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not found", errorBody(t, w))
}

func TestRemoveBackground_File(t *testing.T) {
	t.Parallel()

	engine, fs := newTestEngine(t, rembg.NewKeyRemover(0.12, 512))
	w := serve(engine, multipartRequest(t, "file", "photo.png", samplePNG(t, 40, 30), nil))

	assertTransparentPNG(t, w, 40, 30)
	assertWorkRootEmpty(t, fs)
}

func TestRemoveBackground_URL(t *testing.T) {
	t.Parallel()

	data := samplePNG(t, 24, 24)
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/img.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer images.Close()

	engine, fs := newTestEngine(t, rembg.NewKeyRemover(0.12, 512))

	t.Run("urlencoded", func(t *testing.T) {
		w := serve(engine, urlRequest(images.URL+"/img.png"))
		assertTransparentPNG(t, w, 24, 24)
	})

	t.Run("multipart field", func(t *testing.T) {
		w := serve(engine, multipartRequest(t, "", "", nil, map[string]string{"url": images.URL + "/img.png"}))
		assertTransparentPNG(t, w, 24, 24)
	})

	t.Run("404", func(t *testing.T) {
		w := serve(engine, urlRequest(images.URL+"/missing.png"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		msg := errorBody(t, w)
		assert.Contains(t, msg, "failed to download image")
		assert.Contains(t, msg, "404")
		assert.NotContains(t, msg, "page not found", "upstream body must not reach the client")
	})

	assertWorkRootEmpty(t, fs)
}

func TestRemoveBackground_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		request    func(t *testing.T) *http.Request
		remover    rembg.Remover
		wantStatus int
		wantError  string
	}{
		{
			name: "没有file也没有url",
			request: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/remove-background/", nil)
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "no file or url provided in the request",
		},
		{
			name: "multipart但字段名错误",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, "image", "a.png", samplePNG(t, 4, 4), nil)
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "no file or url provided in the request",
		},
		{
			name: "损坏的图片",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, "file", "broken.png", []byte("\x89PNG not really"), nil)
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "an error occurred while processing the image",
		},
		{
			name: "上传过大",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, "file", "huge.png", make([]byte, maxUpload+1), nil)
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "could not save the file",
		},
		{
			name: "不支持的协议",
			request: func(t *testing.T) *http.Request {
				return urlRequest("ftp://example.com/a.png")
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "failed to download image",
		},
		{
			name: "模型失败",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, "file", "a.png", samplePNG(t, 4, 4), nil)
			},
			remover: rembg.Func(func(ctx context.Context, img image.Image) (image.Image, error) {
				return nil, assert.AnError
			}),
			wantStatus: http.StatusInternalServerError,
			wantError:  "an error occurred while processing the image",
		},
		{
			name: "模型panic",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, "file", "a.png", samplePNG(t, 4, 4), nil)
			},
			remover: rembg.Func(func(ctx context.Context, img image.Image) (image.Image, error) {
				panic("segfault in model")
			}),
			wantStatus: http.StatusInternalServerError,
			wantError:  "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			remover := tt.remover
			if remover == nil {
				remover = rembg.NewKeyRemover(0.12, 512)
			}
			engine, _ := newTestEngine(t, remover)
			w := serve(engine, tt.request(t))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, errorBody(t, w), tt.wantError)
			assert.NotContains(t, w.Body.String(), assert.AnError.Error())
		})
	}
}

func TestRemoveBackground_SequentialRequests(t *testing.T) {
	t.Parallel()

	engine, fs := newTestEngine(t, rembg.NewKeyRemover(0.12, 512))

	for _, size := range [][2]int{{20, 12}, {33, 41}} {
		w := serve(engine, multipartRequest(t, "file", "same.png", samplePNG(t, size[0], size[1]), nil))
		assertTransparentPNG(t, w, size[0], size[1])
	}
	assertWorkRootEmpty(t, fs)
}

func TestRemoveBackground_ConcurrentRequests(t *testing.T) {
	t.Parallel()

	slow := rembg.Func(func(ctx context.Context, img image.Image) (image.Image, error) {
		time.Sleep(20 * time.Millisecond)
		return rembg.NewKeyRemover(0.12, 512).Remove(ctx, img)
	})
	engine, fs := newTestEngine(t, slow)

	const n = 8
	requests := make([]*http.Request, n)
	for i := range requests {
		requests[i] = multipartRequest(t, "file", "same.png", samplePNG(t, 16+i, 16+2*i), nil)
	}

	var wg sync.WaitGroup
	recorders := make([]*httptest.ResponseRecorder, n)
	for i := range requests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recorders[i] = serve(engine, requests[i])
		}(i)
	}
	wg.Wait()

	for i, w := range recorders {
		assertTransparentPNG(t, w, 16+i, 16+2*i)
	}
	assertWorkRootEmpty(t, fs)
}

func TestServer_RunAndShutdown(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	svc := removal.NewService(workspace.NewManager(fs, "/work"), rembg.NewKeyRemover(0.12, 512), nhttp.NewHTTPClient(), removal.Options{
		MaxUploadBytes: maxUpload, MaxDownloadBytes: maxUpload, DownloadTimeout: time.Second,
	})
	srv := New(svc, Options{Addr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRemoveBackground_OpaqueResultKeepsAlphaChannel(t *testing.T) {
	t.Parallel()

	// 红绿蓝竖条：边框中位色为黑色，没有像素被当作背景
	img := image.NewRGBA(image.Rect(0, 0, 30, 30))
	stripes := []color.RGBA{{R: 255, A: 255}, {G: 255, A: 255}, {B: 255, A: 255}}
	for y := 0; y < 30; y++ {
		for x := 0; x < 30; x++ {
			img.SetRGBA(x, y, stripes[x/10])
		}
	}
	var buf bytes.Buffer
	require.NoError(t, util.EncodePNG(&buf, img))

	engine, fs := newTestEngine(t, rembg.NewKeyRemover(0.12, 512))
	w := serve(engine, multipartRequest(t, "file", "stripes.png", buf.Bytes(), nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	data := w.Body.Bytes()
	require.Greater(t, len(data), 25)
	require.Equal(t, "IHDR", string(data[12:16]))
	assert.Equal(t, byte(6), data[25], "PNG color type should be RGBA")

	out, _, err := util.DecodeImageBytes(data)
	require.NoError(t, err)
	_, _, _, a := out.At(15, 15).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assertWorkRootEmpty(t, fs)
}

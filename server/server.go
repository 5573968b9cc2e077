package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chaos-io/rembg-api/removal"
	"github.com/chaos-io/rembg-api/util/log"
)

//go:embed templates/*.html
var templatesFS embed.FS

const shutdownTimeout = 15 * time.Second

type Options struct {
	Addr           string
	Mode           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CORSOrigins    []string
	MaxUploadBytes int64
	Version        string
}

// NewEngine 组装 gin 引擎：中间件 + 路由
func NewEngine(svc *removal.Service, opts Options) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}

	engine := gin.New()
	engine.SetHTMLTemplate(template.Must(template.ParseFS(templatesFS, "templates/*.html")))

	mdls := []gin.HandlerFunc{RequestID(), AccessLog(), Recovery()}
	if len(opts.CORSOrigins) > 0 {
		mdls = append(mdls, CORS(opts.CORSOrigins))
	}
	engine.Use(mdls...)

	engine.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	NewRemoveHandler(svc, opts.MaxUploadBytes, opts.Version).RegisterRoutes(engine)
	return engine
}

type Server struct {
	http *http.Server
}

func New(svc *removal.Service, opts Options) *Server {
	return &Server{
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewEngine(svc, opts),
			ReadTimeout:       opts.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      opts.WriteTimeout,
		},
	}
}

// Run 监听直到 ctx 结束，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.http.Addr).Info("starting http server")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

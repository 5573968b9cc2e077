package cli

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/chaos-io/rembg-api/config"
	"github.com/chaos-io/rembg-api/rembg"
	"github.com/chaos-io/rembg-api/removal"
	nhttp "github.com/chaos-io/rembg-api/util/http"
	"github.com/chaos-io/rembg-api/util/log"
	"github.com/chaos-io/rembg-api/workspace"
)

// Version 构建时通过 -ldflags "-X github.com/chaos-io/rembg-api/cli.Version=..." 注入
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "rembg-api",
	Short:         "Background removal HTTP service",
	Long:          "Accepts an uploaded image or an image URL and returns it as a PNG with a transparent background",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to config file (default: search $REMBG_CONFIG_PATH, ./config.yaml, ./config/config.yaml, /etc/rembg-api/config.yaml)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRemoveCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// loadConfig 读取配置并初始化日志
func loadConfig() (*config.Config, error) {
	cfg, source, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := log.Configure(log.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	log.WithField("source", source).Debug("configuration loaded")
	return cfg, nil
}

// newService 按配置组装处理流水线
func newService(cfg *config.Config, workspaces *workspace.Manager) (*removal.Service, error) {
	remover, err := rembg.New(cfg.Remover)
	if err != nil {
		return nil, err
	}
	return removal.NewService(workspaces, remover, nhttp.NewHTTPClient(), removal.Options{
		MaxUploadBytes:   cfg.Limits.MaxUploadBytes,
		MaxDownloadBytes: cfg.Limits.MaxDownloadBytes,
		DownloadTimeout:  cfg.Limits.DownloadTimeout,
	}), nil
}

func newWorkspaces(cfg *config.Config) *workspace.Manager {
	return workspace.NewManager(afero.NewOsFs(), cfg.Workspace.Dir)
}

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全部配置
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Workspace WorkspaceConfig `yaml:"workspace" json:"workspace"`
	Limits    LimitsConfig    `yaml:"limits" json:"limits"`
	Remover   RemoverConfig   `yaml:"remover" json:"remover"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Address      string        `yaml:"address" json:"address"`
	Port         int           `yaml:"port" json:"port"`
	Mode         string        `yaml:"mode" json:"mode"`
	ReadTimeout  time.Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout" json:"writeTimeout"`
	CORSOrigins  []string      `yaml:"corsOrigins" json:"corsOrigins"`
}

// WorkspaceConfig 每个请求独立的工作目录
type WorkspaceConfig struct {
	Dir           string        `yaml:"dir" json:"dir"`
	MaxAge        time.Duration `yaml:"maxAge" json:"maxAge"`
	SweepSchedule string        `yaml:"sweepSchedule" json:"sweepSchedule"`
}

// LimitsConfig 上传和下载的大小、时间限制
type LimitsConfig struct {
	MaxUploadBytes   int64         `yaml:"maxUploadBytes" json:"maxUploadBytes"`
	MaxDownloadBytes int64         `yaml:"maxDownloadBytes" json:"maxDownloadBytes"`
	DownloadTimeout  time.Duration `yaml:"downloadTimeout" json:"downloadTimeout"`
}

// RemoverConfig 选择去背景引擎及其参数
type RemoverConfig struct {
	Engine      string        `yaml:"engine" json:"engine"`
	Tolerance   float64       `yaml:"tolerance" json:"tolerance"`
	MaxMaskSize int           `yaml:"maxMaskSize" json:"maxMaskSize"`
	Command     string        `yaml:"command" json:"command"`
	Args        []string      `yaml:"args" json:"args"`
	Endpoint    string        `yaml:"endpoint" json:"endpoint"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	Server: ServerConfig{
		Address:      "0.0.0.0",
		Port:         5000,
		Mode:         "release",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		CORSOrigins:  []string{"*"},
	},
	Workspace: WorkspaceConfig{
		Dir:           "uploads",
		MaxAge:        time.Hour,
		SweepSchedule: "@every 10m",
	},
	Limits: LimitsConfig{
		MaxUploadBytes:   32 << 20, // 32MB
		MaxDownloadBytes: 32 << 20,
		DownloadTimeout:  30 * time.Second,
	},
	Remover: RemoverConfig{
		Engine:      "builtin",
		Tolerance:   0.12,
		MaxMaskSize: 512,
		Command:     "rembg",
		Args:        []string{"i", "{input}", "{output}"},
		Timeout:     2 * time.Minute,
	},
	Logging: LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	},
}

// Default 返回 DefaultConfig 的深拷贝
func Default() Config {
	c := DefaultConfig
	c.Server.CORSOrigins = append([]string(nil), DefaultConfig.Server.CORSOrigins...)
	c.Remover.Args = append([]string(nil), DefaultConfig.Remover.Args...)
	return c
}

// LoadConfig 按优先级合并配置：环境变量 > 配置文件（先显式路径，再搜索列表）> 默认值
// 返回配置和配置来源
func LoadConfig(path string) (*Config, string, error) {
	config := Default()

	source, err := loadFromFile(&config, path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	if e := loadFromEnv(&config); e != nil {
		return nil, "", fmt.Errorf("failed to load environment variables: %w", e)
	}

	if e := config.Validate(); e != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", e)
	}

	return &config, source, nil
}

// loadFromFile 读取 YAML 配置文件
func loadFromFile(config *Config, explicit string) (string, error) {
	if explicit != "" {
		return explicit, readYAML(config, explicit)
	}

	configPaths := []string{
		os.Getenv("REMBG_CONFIG_PATH"),
		"./config.yaml",
		"./config/config.yaml",
		"/etc/rembg-api/config.yaml",
	}

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		return path, readYAML(config, path)
	}

	return "built-in defaults (no config file found)", nil
}

func readYAML(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadFromEnv 环境变量覆盖
func loadFromEnv(config *Config) error {
	// 兼容只注入 HOST/PORT 的部署平台
	if val := firstEnv("REMBG_SERVER_ADDRESS", "HOST"); val != "" {
		config.Server.Address = val
	}
	if val := firstEnv("REMBG_SERVER_PORT", "PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", val, err)
		}
		config.Server.Port = port
	}
	if val := os.Getenv("REMBG_SERVER_MODE"); val != "" {
		config.Server.Mode = val
	}
	if val := os.Getenv("REMBG_CORS_ORIGINS"); val != "" {
		config.Server.CORSOrigins = splitList(val)
	}

	if val := os.Getenv("REMBG_WORK_DIR"); val != "" {
		config.Workspace.Dir = val
	}
	if err := envDuration("REMBG_WORK_MAX_AGE", &config.Workspace.MaxAge); err != nil {
		return err
	}

	if err := envInt64("REMBG_MAX_UPLOAD_BYTES", &config.Limits.MaxUploadBytes); err != nil {
		return err
	}
	if err := envInt64("REMBG_MAX_DOWNLOAD_BYTES", &config.Limits.MaxDownloadBytes); err != nil {
		return err
	}
	if err := envDuration("REMBG_DOWNLOAD_TIMEOUT", &config.Limits.DownloadTimeout); err != nil {
		return err
	}

	if val := os.Getenv("REMBG_ENGINE"); val != "" {
		config.Remover.Engine = val
	}
	if val := os.Getenv("REMBG_ENDPOINT"); val != "" {
		config.Remover.Endpoint = val
	}
	if val := os.Getenv("REMBG_COMMAND"); val != "" {
		config.Remover.Command = val
	}
	if val := os.Getenv("REMBG_TOLERANCE"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid REMBG_TOLERANCE %q: %w", val, err)
		}
		config.Remover.Tolerance = f
	}
	if err := envDuration("REMBG_REMOVER_TIMEOUT", &config.Remover.Timeout); err != nil {
		return err
	}

	if val := os.Getenv("REMBG_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("REMBG_LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("REMBG_LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}

	return nil
}

// Validate 校验配置，返回全部错误
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("invalid server mode: %q", c.Server.Mode))
	}

	if c.Workspace.Dir == "" {
		errs = append(errs, errors.New("workspace dir is required"))
	}
	if c.Workspace.MaxAge <= 0 {
		errs = append(errs, errors.New("workspace maxAge must be positive"))
	}

	if c.Limits.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("limits maxUploadBytes must be positive"))
	}
	if c.Limits.MaxDownloadBytes <= 0 {
		errs = append(errs, errors.New("limits maxDownloadBytes must be positive"))
	}
	if c.Limits.DownloadTimeout <= 0 {
		errs = append(errs, errors.New("limits downloadTimeout must be positive"))
	}

	switch c.Remover.Engine {
	case "builtin":
		if c.Remover.Tolerance <= 0 || c.Remover.Tolerance >= 1 {
			errs = append(errs, fmt.Errorf("remover tolerance must be in (0, 1): %v", c.Remover.Tolerance))
		}
		if c.Remover.MaxMaskSize < 16 {
			errs = append(errs, fmt.Errorf("remover maxMaskSize too small: %d", c.Remover.MaxMaskSize))
		}
	case "exec":
		if c.Remover.Command == "" {
			errs = append(errs, errors.New("remover command is required for exec engine"))
		}
	case "http":
		if !strings.HasPrefix(c.Remover.Endpoint, "http://") && !strings.HasPrefix(c.Remover.Endpoint, "https://") {
			errs = append(errs, fmt.Errorf("remover endpoint must be an http(s) URL: %q", c.Remover.Endpoint))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown remover engine: %q", c.Remover.Engine))
	}

	return errors.Join(errs...)
}

// Addr 监听地址 host:port
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envDuration(key string, dst *time.Duration) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	*dst = d
	return nil
}

func envInt64(key string, dst *int64) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	*dst = n
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, p := range strings.Split(val, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

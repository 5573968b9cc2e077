package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger 进程级日志（logrus）
var Logger = logrus.New()

func init() {
	Logger.Out = os.Stdout
	Logger.Level = logrus.InfoLevel
	Logger.Formatter = &logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	}
}

// Options 对应配置文件中的 logging 段
type Options struct {
	Level  string
	Format string
	Output string
}

// Configure 按配置设置级别、格式和输出，output 为 stdout、stderr 或文件路径
func Configure(opts Options) error {
	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	Logger.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		Logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}

	out, err := openOutput(opts.Output)
	if err != nil {
		return err
	}
	Logger.SetOutput(out)
	return nil
}

func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return f, nil
	}
}

// SetOutput 设置日志输出
func SetOutput(out io.Writer) {
	Logger.SetOutput(out)
}

type Fields = logrus.Fields

func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

func WithFields(fields Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

func WithError(err error) *logrus.Entry {
	return Logger.WithError(err)
}

func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }
func Infof(format string, args ...interface{}) { Logger.Infof(format, args...) }
func Warnf(format string, args ...interface{}) { Logger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }

func Debug(args ...interface{}) { Logger.Debug(args...) }
func Info(args ...interface{})  { Logger.Info(args...) }
func Warn(args ...interface{})  { Logger.Warn(args...) }
func Error(args ...interface{}) { Logger.Error(args...) }

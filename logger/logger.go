package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Logger 调试与警告日志
	Logger = newDefault(os.Stdout)
	// InfoLogger 信息日志
	InfoLogger = newDefault(os.Stdout)
	// ErrorLogger 错误日志
	ErrorLogger = newDefault(os.Stderr)
)

// LogConfig 日志配置
type LogConfig struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

const timestampFormat = "15:04:05 MST 2006/01/02"

// CustomFormatter 输出格式: [时间] [级别] (调用者) 消息 字段
type CustomFormatter struct {
	TimestampFormat string
}

func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] [%s] (%s) %s", entry.Time.Format(f.TimestampFormat), level, getCaller(), entry.Message)
	for k, v := range entry.Data {
		fmt.Fprintf(&sb, " %s=%v", k, v)
	}
	sb.WriteByte('\n')
	return []byte(sb.String()), nil
}

// getCaller 跳过logrus与本包的栈帧
func getCaller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen") || strings.HasSuffix(file, "/logger/logger.go") {
			continue
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), runtime.FuncForPC(pc).Name(), line)
	}
	return "unknown:unknown:0"
}

func newDefault(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&CustomFormatter{TimestampFormat: timestampFormat})
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// ParseLogLevel 无法识别时返回info
func ParseLogLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// InitLogger 初始化日志，文件无法打开时退回标准输出
func InitLogger(config LogConfig) error {
	level := ParseLogLevel(config.LogLevel)

	Logger = newDefault(os.Stdout)
	InfoLogger = newDefault(os.Stdout)
	ErrorLogger = newDefault(os.Stderr)
	for _, l := range []*logrus.Logger{Logger, InfoLogger, ErrorLogger} {
		l.SetLevel(level)
	}

	if config.InfoLogPath != "" {
		f, err := openLogFile(config.InfoLogPath)
		if err != nil {
			InfoLogger.Warnf("Failed to open info log file %s, fallback to stdout: %v", config.InfoLogPath, err)
		} else {
			InfoLogger.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}
	if config.ErrorLogPath != "" {
		f, err := openLogFile(config.ErrorLogPath)
		if err != nil {
			ErrorLogger.Warnf("Failed to open error log file %s, fallback to stderr: %v", config.ErrorLogPath, err)
		} else {
			ErrorLogger.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}
	Logger.SetOutput(InfoLogger.Out)
	return nil
}

// SetOutput 将三个日志器重定向到同一输出，测试中使用
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
	InfoLogger.SetOutput(w)
	ErrorLogger.SetOutput(w)
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// WithFields 带字段的调试日志入口
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

func Info(args ...interface{}) {
	InfoLogger.Info(args...)
}

func Infof(format string, args ...interface{}) {
	InfoLogger.Infof(format, args...)
}

func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	ErrorLogger.Errorf(format, args...)
}

package applog

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日志配置。
type Config struct {
	Level     string
	Format    string // text | json
	AddSource bool
	Output    io.Writer
}

// level 全程持有 atomic handle，运行时开关（如 --verbose）直接改级别。
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// Init 组装 zap core 并把 slog 默认 logger 桥接上去。
// 流水线代码一律走 slog 出日志，zap 只负责编码与输出。
func Init(cfg Config) {
	level.SetLevel(parseLevel(cfg.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	logger := zap.New(zapcore.NewCore(enc, zapcore.AddSync(out), level), opts...)
	zap.ReplaceGlobals(logger)

	slog.SetDefault(slog.New(slogzap.Option{
		// 级别统一由 zap 的 atomic level 把关，桥接层全量放行
		Level:     slog.LevelDebug,
		Logger:    logger,
		AddSource: cfg.AddSource,
	}.NewZapHandler()))
}

// SetLevel 运行时调整日志级别。
func SetLevel(lvl string) {
	level.SetLevel(parseLevel(lvl))
}

// Sync 冲刷缓冲输出，进程退出前调用。
func Sync() {
	_ = zap.L().Sync()
}

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func Error(msg string, args ...any) { slog.Error(msg, args...) }

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

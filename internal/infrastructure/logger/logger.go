// Package logger 提供结构化日志功能
//
// 基于 uber-go/zap 实现，开发环境输出彩色控制台日志，生产环境输出 JSON。
// 配置了文件路径时通过 lumberjack 做按大小滚动。
package logger

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// logger 全局日志实例
	logger *zap.Logger

	// sugar 全局 sugared logger
	sugar *zap.SugaredLogger

	// once 确保只初始化一次
	once sync.Once

	// mu 保护 logger/sugar 的替换
	mu sync.RWMutex
)

// Options 日志配置
//
// 零值等价于从环境变量读取（ENV / LOG_LEVEL / LOG_FILE）。
type Options struct {
	// Env 运行环境：development / production
	Env string

	// Level 日志级别：debug / info / warn / error
	Level string

	// FilePath 日志文件路径，为空时只输出到 stdout
	FilePath string

	// MaxSizeMB 单个日志文件最大尺寸（MB）
	MaxSizeMB int

	// MaxBackups 保留的旧文件数量
	MaxBackups int

	// MaxAgeDays 旧文件保留天数
	MaxAgeDays int

	// Compress 是否压缩旧文件
	Compress bool
}

// InitLogger 使用环境变量初始化日志系统
//
// 环境变量：
//   - ENV: development（默认）/ production
//   - LOG_LEVEL: 日志级别，默认根据环境决定
//   - LOG_FILE: 生产环境下的日志文件路径（可选）
//   - LOG_MAX_SIZE / LOG_MAX_BACKUPS / LOG_MAX_AGE / LOG_COMPRESS: 滚动参数
func InitLogger() error {
	return Init(Options{
		Env:        getEnv("ENV", "development"),
		Level:      os.Getenv("LOG_LEVEL"),
		FilePath:   os.Getenv("LOG_FILE"),
		MaxSizeMB:  getEnvInt("LOG_MAX_SIZE", 100),
		MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		MaxAgeDays: getEnvInt("LOG_MAX_AGE", 28),
		Compress:   getEnvBool("LOG_COMPRESS", false),
	})
}

// Init 按给定配置初始化日志系统，只有第一次调用生效
func Init(opts Options) error {
	var initErr error
	once.Do(func() {
		var l *zap.Logger
		if opts.Env == "production" {
			l, initErr = newProductionLogger(opts)
		} else {
			l, initErr = newDevelopmentLogger(opts)
		}
		if initErr != nil {
			return
		}
		setLogger(l)
	})
	return initErr
}

// Replace 替换全局 logger
//
// 主要给 serve 命令在读取配置文件后重新装配日志输出使用。
func Replace(opts Options) error {
	var (
		l   *zap.Logger
		err error
	)
	if opts.Env == "production" {
		l, err = newProductionLogger(opts)
	} else {
		l, err = newDevelopmentLogger(opts)
	}
	if err != nil {
		return err
	}
	once.Do(func() {})
	setLogger(l)
	return nil
}

func setLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
	sugar = l.Sugar()
}

// newDevelopmentLogger 开发环境：彩色控制台输出，默认 Debug 级别
func newDevelopmentLogger(opts Options) (*zap.Logger, error) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.999"),
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	level := parseLevel(opts.Level, zapcore.DebugLevel)

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      true,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}

// newProductionLogger 生产环境：JSON 格式，默认 Info 级别，Error 以上带堆栈
func newProductionLogger(opts Options) (*zap.Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	level := zap.NewAtomicLevelAt(parseLevel(opts.Level, zapcore.InfoLevel))

	var sink zapcore.WriteSyncer = zapcore.AddSync(os.Stdout)
	if opts.FilePath != "" {
		// 同时写 stdout 和滚动文件
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    withDefault(opts.MaxSizeMB, 100),
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(rotator))
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func parseLevel(raw string, fallback zapcore.Level) zapcore.Level {
	if raw == "" {
		return fallback
	}
	level, err := zapcore.ParseLevel(raw)
	if err != nil {
		return fallback
	}
	return level
}

func withDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// GetLogger 获取全局 logger，未初始化时按环境变量自动初始化
func GetLogger() *zap.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = InitLogger()
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// GetSugaredLogger 获取全局 sugared logger
func GetSugaredLogger() *zap.SugaredLogger {
	mu.RLock()
	s := sugar
	mu.RUnlock()
	if s != nil {
		return s
	}
	return GetLogger().Sugar()
}

// Sync 刷新日志缓冲区，进程退出前调用
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Debug 记录 Debug 级别日志
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Info 记录 Info 级别日志
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Warn 记录 Warn 级别日志
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error 记录 Error 级别日志
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// Fatal 记录日志后退出进程
func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

// With 创建带预设字段的 logger（如 order_ref、user_id）
func With(fields ...zap.Field) *zap.Logger {
	return GetLogger().With(fields...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

// This package defines a common config struct which can be used by any subsystem within courier.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug             bool
	RootDir           string
	EphemeralMessages bool
	Attachments       bool
	ReapIntervalMs    int64
	PageSize          int
	CacheShards       int
	RedisAddr         string
	LoggingPrefix     string
	writer            io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithEphemeralMessages(e bool) Option {
	return func(c *Config) {
		c.EphemeralMessages = e
	}
}

func WithAttachments(a bool) Option {
	return func(c *Config) {
		c.Attachments = a
	}
}

func WithReapIntervalMs(n int64) Option {
	return func(c *Config) {
		c.ReapIntervalMs = n
	}
}

func WithPageSize(n int) Option {
	return func(c *Config) {
		c.PageSize = n
	}
}

func WithCacheShards(n int) Option {
	return func(c *Config) {
		c.CacheShards = n
	}
}

// WithRedisAddr switches the cache backend from the in-process sharded map
// to a redis server at the given address.
func WithRedisAddr(addr string) Option {
	return func(c *Config) {
		c.RedisAddr = addr
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:             os.Getenv("DEBUG") == "1",
		EphemeralMessages: true,
		Attachments:       true,
		ReapIntervalMs:    60000,
		PageSize:          50,
		CacheShards:       16,
		LoggingPrefix:     "",
		RootDir:           ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}

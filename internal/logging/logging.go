// Package logging builds the process logger: stderr plus an optional
// size-rotated log file. Components derive prefixed loggers from it.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the rotated log file. An empty File logs to stderr only.
type Config struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Logger is the process logger and the writer behind it.
type Logger struct {
	*log.Logger
	out    io.Writer
	closer io.Closer
}

// New returns a logger writing to stderr and, if cfg.File is set, to a
// lumberjack-rotated file.
func New(cfg Config) *Logger {
	return NewTo(cfg, os.Stderr)
}

// NewTo is New with stderr replaced by w.
func NewTo(cfg Config, stderr io.Writer) *Logger {
	l := &Logger{out: stderr}
	if cfg.File != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		l.out = io.MultiWriter(stderr, rot)
		l.closer = rot
	}
	l.Logger = log.New(l.out, "[posd] ", log.LstdFlags)
	return l
}

// Component returns a logger sharing l's output with a "[name] " prefix.
func (l *Logger) Component(name string) *log.Logger {
	return log.New(l.out, "["+name+"] ", log.LstdFlags)
}

// Close releases the rotated file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

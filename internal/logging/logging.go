package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger setup.
type Options struct {
	Level  string
	Format string // "text" or "json"
	Path   string // optional rotating log file, written alongside stdout
}

// Init configures the standard logrus logger. It returns a closer for the
// log file, which is a no-op when no file is configured.
func Init(opts Options) func() error {
	level, err := log.ParseLevel(opts.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if opts.Path == "" {
		log.SetOutput(os.Stdout)
		return func() error { return nil }
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		log.WithError(err).Warn("cannot create log directory, logging to stdout only")
		return func() error { return nil }
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	log.WithField("path", opts.Path).Info("logging to file")
	return rotator.Close
}

// Sanitize strips newlines and control characters from caller-supplied
// strings so they cannot forge log lines.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

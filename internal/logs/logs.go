// Package logs holds the process-wide logrus logger.
package logs

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is usable before Init; Init only reconfigures it.
var Logger = logrus.New()

type Options struct {
	Level  string // trace|debug|info|warn|error
	Format string // text|json
	File   string // empty: stdout
}

// Init configures Logger. An unknown level falls back to info, an unopenable
// file to stdout; both are reported through the logger itself.
func Init(o Options) {
	Logger.SetOutput(os.Stdout)
	if o.File != "" {
		f, err := os.OpenFile(o.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			Logger.WithError(err).Warnf("log file %s: falling back to stdout", o.File)
		} else {
			Logger.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}

	switch strings.ToLower(o.Format) {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(o.Level)
	if err != nil || o.Level == "" {
		lvl = logrus.InfoLevel
		if o.Level != "" {
			Logger.Warnf("invalid log level %q, using info", o.Level)
		}
	}
	Logger.SetLevel(lvl)
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

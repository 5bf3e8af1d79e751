package common

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// LoggerNames lists every named logger of the project.
var LoggerNames = []string{
	"db", "cache", "client",
	"simnet", "livenet",
	"topology", "workload", "scenario", "cli",
}

// nameWidth pads logger names so that the messages line up
var nameWidth = func() int {
	w := 0
	for _, name := range LoggerNames {
		w = max(w, len(name))
	}
	return w
}()

// levelLabels maps the dragonboat levels to the printed label
var levelLabels = map[logger.LogLevel]string{
	logger.DEBUG:   "DEBUG",
	logger.INFO:    "INFO",
	logger.WARNING: "WARN",
	logger.ERROR:   "ERROR",
}

// --------------------------------------------------------------------------
// Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// nodeLogger writes "LEVEL | name | message" lines to stdout
type nodeLogger struct {
	prefix string
	level  logger.LogLevel
	out    *log.Logger
}

func (l *nodeLogger) SetLevel(level logger.LogLevel) { l.level = level }

func (l *nodeLogger) Debugf(format string, args ...interface{}) {
	l.printf(logger.DEBUG, format, args)
}

func (l *nodeLogger) Infof(format string, args ...interface{}) {
	l.printf(logger.INFO, format, args)
}

func (l *nodeLogger) Warningf(format string, args ...interface{}) {
	l.printf(logger.WARNING, format, args)
}

func (l *nodeLogger) Errorf(format string, args ...interface{}) {
	l.printf(logger.ERROR, format, args)
}

func (l *nodeLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *nodeLogger) printf(level logger.LogLevel, format string, args []interface{}) {
	if l.level < level {
		return
	}
	l.out.Printf("%-5s | %s%s", levelLabels[level], l.prefix, fmt.Sprintf(format, args...))
}

// CreateLogger implements dragonboat's logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	return &nodeLogger{
		prefix: fmt.Sprintf("%-*s | ", nameWidth, pkgName),
		level:  logger.INFO,
		out:    log.New(os.Stdout, "", log.Ldate|log.Lmicroseconds),
	}
}

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	}
	return logger.INFO, fmt.Errorf("invalid log level %q, must be one of debug, info, warn, error", level)
}

// InitLoggers installs CreateLogger as factory and sets the level of every
// logger in LoggerNames.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	logger.SetLoggerFactory(CreateLogger)
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}

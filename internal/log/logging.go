package log

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	LOG_MAIN      = "MA"
	LOG_GMAIL     = "GM"
	LOG_ANALYSIS  = "AN"
	LOG_RECONCILE = "RC"
	LOG_STORE     = "ST"
	LOG_SERVER    = "SV"
	LOG_TUI       = "UI"
	LOG_WORKER    = "WK"
)

var allPrefixes = []string{
	LOG_MAIN,
	LOG_GMAIL,
	LOG_ANALYSIS,
	LOG_RECONCILE,
	LOG_STORE,
	LOG_SERVER,
	LOG_TUI,
	LOG_WORKER,
}

var (
	mu      sync.Mutex
	loggers map[string]*logrus.Logger
)

func NewPrefixLogger(prefix string) *PrefixLogger {
	formatter := &logrus.TextFormatter{}
	formatter.FullTimestamp = true
	formatter.TimestampFormat = "15:04:05"
	formatter.DisableColors = strings.Contains(runtime.GOOS, "windows")
	return &PrefixLogger{
		formatter,
		[]byte(fmt.Sprintf("%s:\t", prefix)),
	}
}

// PrefixLogger prepends a fixed component tag to every formatted entry.
type PrefixLogger struct {
	formatter logrus.Formatter
	prefix    []byte
}

func (f *PrefixLogger) Format(entry *logrus.Entry) ([]byte, error) {
	text, err := f.formatter.Format(entry)
	if err != nil {
		return nil, err
	}
	return append(f.prefix, text...), nil
}

func getLevel(loglevel string) logrus.Level {
	switch strings.ToLower(loglevel) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	}
	return logrus.InfoLevel
}

// InitLogging (re)creates every component logger writing to out.
func InitLogging(loglevel string, out io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	initLocked(loglevel, out)
}

func initLocked(loglevel string, out io.Writer) {
	loggers = make(map[string]*logrus.Logger, len(allPrefixes))
	for _, prefix := range allPrefixes {
		l := logrus.New()
		l.Level = getLevel(loglevel)
		l.Formatter = NewPrefixLogger(prefix)
		l.Out = out
		loggers[prefix] = l
	}
}

// Logger returns the logger for a component prefix. Loggers default to info
// on stderr when InitLogging has not been called.
func Logger(prefix string) *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	if loggers == nil {
		initLocked("info", os.Stderr)
	}
	l, ok := loggers[prefix]
	if !ok {
		panic("Logger " + prefix + " unknown")
	}
	return l
}

package log

import (
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"
)

// Logger is the process-wide logger. Components take their logger as an
// argument; the binary hands them this one.
var Logger kitlog.Logger = kitlog.NewNopLogger()

// InitLogger replaces the global logger with a logfmt logger at the given
// level. Unknown levels default to info.
func InitLogger(logLevel string) {
	l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))

	var opt level.Option
	switch logLevel {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}

	l = level.NewFilter(l, opt)
	l = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)

	Logger = l
}

type RateLimitedLogger struct {
	limiter *rate.Limiter
	logger  kitlog.Logger
}

// NewRateLimitedLogger wraps logger such that at most logsPerSecond lines are
// emitted. Useful on per-record paths.
func NewRateLimitedLogger(logsPerSecond int, logger kitlog.Logger) *RateLimitedLogger {
	return &RateLimitedLogger{
		limiter: rate.NewLimiter(rate.Limit(logsPerSecond), 1),
		logger:  logger,
	}
}

func (l *RateLimitedLogger) Log(keyvals ...interface{}) error {
	if !l.limiter.AllowN(time.Now(), 1) {
		return nil
	}

	return l.logger.Log(keyvals...)
}

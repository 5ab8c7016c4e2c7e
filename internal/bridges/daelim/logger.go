package daelim

import "sync"

// Logger interface for optional logging.
// *logging.Logger from the infrastructure package satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// logSink holds an optional logger that may be swapped at runtime.
// Components embed it to get SetLogger and the log helpers.
type logSink struct {
	loggerMu sync.RWMutex
	logger   Logger
}

// SetLogger sets the logger for this component.
func (l *logSink) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

func (l *logSink) current() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

func (l *logSink) logDebug(msg string, keysAndValues ...any) {
	if lg := l.current(); lg != nil {
		lg.Debug(msg, keysAndValues...)
	}
}

func (l *logSink) logInfo(msg string, keysAndValues ...any) {
	if lg := l.current(); lg != nil {
		lg.Info(msg, keysAndValues...)
	}
}

func (l *logSink) logWarn(msg string, keysAndValues ...any) {
	if lg := l.current(); lg != nil {
		lg.Warn(msg, keysAndValues...)
	}
}

func (l *logSink) logError(msg string, err error, keysAndValues ...any) {
	if lg := l.current(); lg != nil {
		lg.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

func (c *closeOnce) IsClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

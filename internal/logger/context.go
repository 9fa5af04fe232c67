package logger

import (
	"context"
	"time"
)

type logContextKey struct{}

// LogContext carries the fields of one operation into every record logged
// with a *Ctx function.
type LogContext struct {
	Operation  string // open, write, gc, upload, ...
	Volume     string
	Filename   string
	Generation uint64
	StartTime  time.Time
}

// NewLogContext starts a LogContext for operation.
func NewLogContext(operation string) *LogContext {
	return &LogContext{Operation: operation, StartTime: time.Now()}
}

// WithContext attaches lc to ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey{}, lc)
}

// FromContext returns the LogContext of ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey{}).(*LogContext)
	return lc
}

// Clone returns a copy of lc. Nil stays nil.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithFile returns a copy scoped to one generation of a file.
func (lc *LogContext) WithFile(name string, gen uint64) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.Filename, c.Generation = name, gen
	}
	return c
}

// WithVolume returns a copy scoped to a volume.
func (lc *LogContext) WithVolume(volume string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.Volume = volume
	}
	return c
}

// DurationMs returns the milliseconds elapsed since StartTime.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000
}

// fields returns the non-empty fields as key/value pairs.
func (lc *LogContext) fields() []any {
	var kv []any
	if lc.Operation != "" {
		kv = append(kv, KeyOperation, lc.Operation)
	}
	if lc.Volume != "" {
		kv = append(kv, KeyVolume, lc.Volume)
	}
	if lc.Filename != "" {
		kv = append(kv, KeyFilename, lc.Filename)
	}
	if lc.Generation != 0 {
		kv = append(kv, KeyGeneration, lc.Generation)
	}
	return kv
}

// withContextFields prepends the LogContext fields of ctx to args.
func withContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	return append(lc.fields(), args...)
}

package log

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Field is one structured key/value pair.
type Field = zap.Field

func Any(key string, val any) Field                { return zap.Any(key, val) }
func Bool(key string, val bool) Field              { return zap.Bool(key, val) }
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }
func Int(key string, val int) Field                { return zap.Int(key, val) }
func Int64(key string, val int64) Field            { return zap.Int64(key, val) }
func String(key string, val string) Field          { return zap.String(key, val) }
func Uint16(key string, val uint16) Field          { return zap.Uint16(key, val) }
func Uint64(key string, val uint64) Field          { return zap.Uint64(key, val) }
func Error(err error) Field                        { return zap.Error(err) }

// Client tags an entry with the connection's client id.
func Client(id string) Field { return zap.String("client_id", id) }

// Addr tags an entry with a transport address.
func Addr(addr string) Field { return zap.String("addr", addr) }

type ctxKey struct{}

// ContextWith returns a context carrying fields for WithContext. Fields
// already on ctx are kept.
func ContextWith(ctx context.Context, fields ...Field) context.Context {
	prev := FieldsFrom(ctx)
	merged := make([]Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

// FieldsFrom returns the fields attached by ContextWith.
func FieldsFrom(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(ctxKey{}).([]Field)
	return fields
}

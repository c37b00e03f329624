package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logging logs every call with its duration. Failed calls log at Warn.
func Logging(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			start := time.Now()
			res, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("service", call.Service),
				zap.String("method", call.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if call.Request != nil {
				fields = append(fields, zap.String("message_id", call.Request.Headers.MessageID))
			}
			if err != nil {
				log.Warn("call failed", append(fields, zap.Error(err))...)
			} else {
				log.Debug("call completed", fields...)
			}
			return res, err
		}
	}
}

//go:build rmdebug

package transaction

import "go.uber.org/zap"

func debugAssertFail(logger *zap.Logger, msg string, fields ...zap.Field) {
	logger.Panic("protocol invariant violated: "+msg, fields...)
}

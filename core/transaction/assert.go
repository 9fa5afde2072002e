package transaction

import "go.uber.org/zap"

// debugAssert realizes spec.md §7's "abort the process in debug, log
// and best-effort end in release" for protocol errors (missing DSB
// handler, a second pending lock-acquire continuation, an impossible
// state transition). Built with -tags rmdebug it panics; otherwise it
// logs at error level and returns, leaving the caller to end the
// transaction best-effort.
func (rm *ResourceManager) debugAssert(cond bool, msg string, fields ...zap.Field) {
	if cond {
		return
	}
	debugAssertFail(rm.logger, msg, fields...)
}

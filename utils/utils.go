// Package utils provides shared helpers for logging and recovery.
package utils

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

var idCounter int64 = -1

// GetNextID returns a process-wide monotonically increasing id, used for
// connection numbering.
func GetNextID() int64 {
	return atomic.AddInt64(&idCounter, 1)
}

// LogError logs the error with the given message and fields, ignoring nil
// errors so call sites stay unconditional.
func LogError(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if logger == nil {
		fmt.Println("failed to log the error. logger is nil.")
		return
	}
	if err == nil {
		return
	}
	logger.Error(msg, append(fields, zap.Error(err))...)
}

// Recover recovers from a panic in a connection handler and closes both ends
// so the peer is not left hanging.
func Recover(logger *zap.Logger, client, dest net.Conn) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error("recovered from panic in connection handler, closing active connections", zap.Any("panic", r))
	for _, conn := range []net.Conn{client, dest} {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && !IsClosedConnErr(err) {
			LogError(logger, err, "failed to close the connection after panic")
		}
	}
}

// IsClosedConnErr reports whether err is the usual error returned from reads
// on a socket that was closed by our own teardown.
func IsClosedConnErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

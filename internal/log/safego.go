package log

import (
	"fmt"
	"runtime/debug"
)

// SafeGo runs fn on a new goroutine with panic recovery. A recovered panic
// is logged with its stack trace instead of crashing the daemon. The name
// identifies the goroutine in the log.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatCoord, "goroutine panic",
					"goroutine", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

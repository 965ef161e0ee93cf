package runtime

import (
	"runtime/debug"

	"github.com/opentrx/lock-coordinator/pkg/util/log"
)

// GoWithRecover runs handler in a new goroutine. A panic inside handler is
// logged together with its stack and then passed to recoverHandler, if any.
func GoWithRecover(handler func(), recoverHandler func(r interface{})) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("goroutine panic: %v\n%s", r, string(debug.Stack()))
				if recoverHandler != nil {
					go func() {
						defer func() {
							if p := recover(); p != nil {
								log.Errorf("recover handler panic: %v", p)
							}
						}()
						recoverHandler(r)
					}()
				}
			}
		}()
		handler()
	}()
}

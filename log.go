package durable

import (
	"context"
	"fmt"

	"goa.design/clue/log"
)

// logError reports a background failure that has no caller to return
// to, such as a deferred cascade started after a step commits.
func logError(ctx context.Context, err error, msg string, keyvals ...any) {
	fields := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i+1 < len(keyvals); i += 2 {
		fields = append(fields, log.KV{K: fmt.Sprint(keyvals[i]), V: keyvals[i+1]})
	}
	log.Error(ctx, err, fields...)
}

package api

import (
	"net/http"
)

// limitConcurrency bounds a route to `limit` in-flight requests with a
// waiting backlog of `backlog`. A request that cannot even enter the
// backlog is shed with 503 immediately; overload never queues without
// bound.
func limitConcurrency(limit, backlog int) func(http.Handler) http.Handler {
	slots := make(chan struct{}, limit)
	waiting := make(chan struct{}, limit+backlog)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case waiting <- struct{}{}:
			default:
				http.Error(w, "service overloaded", http.StatusServiceUnavailable)
				return
			}
			select {
			case slots <- struct{}{}:
			case <-r.Context().Done():
				<-waiting
				return
			}
			// waiting counts in-flight requests too, so at most `backlog`
			// wait while all `limit` slots are busy.
			defer func() {
				<-slots
				<-waiting
			}()
			next.ServeHTTP(w, r)
		})
	}
}

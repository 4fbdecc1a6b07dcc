package middleware

import (
	"net/http"
	"runtime/debug"

	"riskguard/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Перехватывает panic, логирует его со stack trace и отвечает
// 500 Internal Server Error. Сервер продолжает обслуживать запросы.
func Recovery(log *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("Panic in HTTP handler",
						utils.String("method", r.Method),
						utils.String("path", r.URL.Path),
						utils.RequestID(RequestIDFrom(r.Context())),
						utils.Any("panic", rec),
						utils.String("stack", string(debug.Stack())),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"Internal Server Error","code":"INTERNAL_ERROR"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS allows the browser front end to call the API from allowedOrigins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", HeaderRequestID},
		ExposedHeaders: []string{HeaderRequestID},
		MaxAge:         300,
	})
}

package handlers

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// baseDispatcher provides the handler for the base v2 endpoint, used by
// clients to probe API support and authentication.
func baseDispatcher(ctx *Context, r *http.Request) http.Handler {
	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("{}"))
		}),
	}
}

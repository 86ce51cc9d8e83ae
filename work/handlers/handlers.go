package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"dtv-relay/work/middleware"
	"dtv-relay/work/proxy"
)

func HandleLive(rl *proxy.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl.ServeLive(w, r)
	}
}

func HandleImage(rl *proxy.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl.ServeImage(w, r)
	}
}

func HandleHLS(rl *proxy.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl.ServeHLS(w, r)
	}
}

// NewRouter builds the relay surface: /live.flv, /image and /hls, all behind the
// permissive CORS / no-store middleware. Anything else is a 404.
func NewRouter(rl *proxy.Relay) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.CORS)

	router.Handle("/live.flv", middleware.Instrument(proxy.RouteLive, HandleLive(rl))).
		Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/image", middleware.Instrument(proxy.RouteImage, HandleImage(rl))).
		Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/hls", middleware.Instrument(proxy.RouteHLS, middleware.Gzip(HandleHLS(rl)))).
		Methods(http.MethodGet, http.MethodOptions)

	router.NotFoundHandler = middleware.CORS(http.NotFoundHandler())
	return router
}

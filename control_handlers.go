package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"dtv-relay/work/app"
	"dtv-relay/work/listener"
	"dtv-relay/work/logger"
	"dtv-relay/work/middleware"
	"dtv-relay/work/server"
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	app.Stats
	Version string `json:"version"`
}

// streamTargetRequest is the body of PUT /api/stream-target.
type streamTargetRequest struct {
	URL string `json:"url"`
}

// relayResponse carries the URL a relay command produced.
type relayResponse struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

// originPolicy is the set of browser origins allowed to use the control API.
// Requests without an Origin header come from native clients and pass.
type originPolicy map[string]bool

func newOriginPolicy(origins []string) originPolicy {
	p := make(originPolicy, len(origins))
	for _, origin := range origins {
		p[strings.TrimRight(origin, "/")] = true
	}
	return p
}

func (p originPolicy) allowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || p[strings.TrimRight(origin, "/")]
}

// setupControlRoutes registers the loopback control API on router.
func setupControlRoutes(router *mux.Router, cmds *app.Commands) {
	origins := newOriginPolicy(cmds.Config.ControlOrigins)
	cors := origins.controlCORS
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     origins.allowed,
	}

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/stream-target", cors(handleGetStreamTarget(cmds))).Methods("GET", "OPTIONS")
	api.HandleFunc("/stream-target", cors(handleSetStreamTarget(cmds))).Methods("PUT", "OPTIONS")
	api.HandleFunc("/relay/primary", cors(handleStartPrimary(cmds))).Methods("POST", "OPTIONS")
	api.HandleFunc("/relay/primary", cors(handleStopPrimary(cmds))).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/relay/static", cors(handleStartStatic(cmds))).Methods("POST", "OPTIONS")
	api.HandleFunc("/listeners", cors(gzipJSON(handleGetListeners(cmds)))).Methods("GET", "OPTIONS")
	api.HandleFunc("/listeners/exits", cors(gzipJSON(handleGetRecentExits(cmds)))).Methods("GET", "OPTIONS")
	api.HandleFunc("/listeners/{platform}/{room}", cors(handleStartListener(cmds))).Methods("POST", "OPTIONS")
	api.HandleFunc("/listeners/{platform}/{room}", cors(handleStopListener(cmds))).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/events/{platform}/{room}", handleEvents(cmds, upgrader)).Methods("GET")
	api.HandleFunc("/stats", cors(gzipJSON(handleGetStats(cmds)))).Methods("GET", "OPTIONS")

	logger.Debug("{main/control - setupControlRoutes} control API routes registered for origins %v", cmds.Config.ControlOrigins)
}

// controlCORS rejects requests from origins outside the allow-list, lets the GUI
// webview call the control API from its own origin and answers preflight requests.
func (p originPolicy) controlCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("{main/control - controlCORS} %s %s", r.Method, r.URL.Path)

		if !p.allowed(r) {
			logger.Warn("{main/control - controlCORS} rejected %s %s from origin %s", r.Method, r.URL.Path, r.Header.Get("Origin"))
			http.Error(w, "Origin not allowed", http.StatusForbidden)
			return
		}

		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func gzipJSON(next http.HandlerFunc) http.HandlerFunc {
	return middleware.Gzip(next).ServeHTTP
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("{main/control - writeJSON} failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"status": "error",
		"error":  err.Error(),
	})
}

// commandStatus maps a command error onto the HTTP status the control API reports.
func commandStatus(err error) int {
	var bindErr *server.BindError
	var delivery *listener.DeliveryError

	switch {
	case errors.Is(err, server.ErrNoStreamTarget):
		return http.StatusConflict
	case errors.As(err, &bindErr):
		return http.StatusInternalServerError
	case errors.Is(err, app.ErrUnknownPlatform):
		return http.StatusNotFound
	case errors.Is(err, app.ErrMissingRoom):
		return http.StatusBadRequest
	case errors.As(err, &delivery):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func handleGetStreamTarget(cmds *app.Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, streamTargetRequest{URL: cmds.Target.Get()})
	}
}

func handleSetStreamTarget(cmds *app.Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var request streamTargetRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		cmds.SetStreamTarget(request.URL)
		writeJSON(w, http.StatusOK, relayResponse{Status: "success"})
	}
}

func handleStartPrimary(cmds *app.Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url, err := cmds.StartProxy(r.Context())
		if err != nil {
			logger.Error("{main/control - handleStartPrimary} %v", err)
			writeError(w, commandStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, relayResponse{Status: "success", URL: url})
	}
}

func handleStopPrimary(cmds *app.Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cmds.StopProxy(r.Context()); err != nil {
			logger.Warn("{main/control - handleStopPrimary} %v", err)
			writeError(w, commandStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, relayResponse{Status: "success"})
	}
}

func handleStartStatic(cmds *app.Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url, err := cmds.StartStaticProxy(r.Context())
		if err != nil {
			logger.Error("{main/control - handleStartStatic} %v", err)
			writeError(w, commandStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, relayResponse{Status: "success", URL: url})
	}
}

func handleGetListeners(cmds *app.Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cmds.Listeners())
	}
}

func handleGetRecentExits(cmds *app.Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cmds.RecentExits())
	}
}

func handleStartListener(cmds *app.Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := cmds.StartListener(vars["platform"], vars["room"]); err != nil {
			logger.Error("{main/control - handleStartListener} %v", err)
			writeError(w, commandStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func handleStopListener(cmds *app.Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := cmds.StopListener(vars["platform"], vars["room"]); err != nil {
			logger.Warn("{main/control - handleStopListener} %v", err)
			writeError(w, commandStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func handleGetStats(cmds *app.Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, StatsResponse{Stats: cmds.Stats(), Version: Version})
	}
}

// handleEvents streams a room's chat frames to a websocket client until either
// side goes away. It does not start a listener; that is a separate command.
func handleEvents(cmds *app.Commands, upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		platform := strings.ToLower(vars["platform"])
		if !cmds.KnownPlatform(platform) {
			http.Error(w, "Unknown platform", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("{main/control - handleEvents} upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		msgs, unsubscribe := cmds.Hub.Subscribe(platform, vars["room"])
		defer unsubscribe()

		// the client never sends anything meaningful; reading notices it leaving
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case msg := <-msgs:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug("{main/control - handleEvents} write to subscriber failed: %v", err)
					return
				}
			}
		}
	}
}

package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// Prefix is the path every dashboard route lives under.
const Prefix = "/_shieldwall/"

//go:embed static/dashboard.html
var staticFS embed.FS

// Handler returns an http.Handler that serves the dashboard routes.
// originPatterns lists the hosts allowed to open the WebSocket besides the
// dashboard's own origin.
func Handler(hub *Hub, originPatterns []string) http.Handler {
	mux := http.NewServeMux()

	// Dashboard HTML
	mux.HandleFunc(Prefix, func(w http.ResponseWriter, r *http.Request) {
		data, err := staticFS.ReadFile("static/dashboard.html")
		if err != nil {
			http.Error(w, "dashboard not found", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; "+
				"connect-src 'self'; object-src 'none'; base-uri 'none'; report-uri /csp-report")
		w.Write(data)
	})

	// WebSocket endpoint
	mux.HandleFunc(Prefix+"ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			hub.logger.Debug().Err(err).Msg("websocket accept failed")
			return
		}
		defer conn.CloseNow()

		// Client messages are read and discarded; ctx ends when the peer goes away.
		ctx := conn.CloseRead(r.Context())
		if err := hub.Serve(ctx, conn); errors.Is(err, ErrSlowClient) {
			conn.Close(websocket.StatusTryAgainLater, "client too slow")
		}
	})

	// REST: stats snapshot
	mux.HandleFunc(Prefix+"api/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hub.StatsSnapshot())
	})

	// REST: recent decisions
	mux.HandleFunc(Prefix+"api/decisions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hub.Decisions())
	})

	// REST: policy
	mux.HandleFunc(Prefix+"api/policy", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hub.PolicyConfig())
	})

	return mux
}

// Run starts the periodic stats broadcast in background.
func Run(ctx context.Context, hub *Hub) {
	go hub.StartStatsBroadcast(ctx, 5*time.Second)
}

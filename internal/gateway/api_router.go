package gateway

import (
	"encoding/json"
	"net/http"

	gmux "github.com/gorilla/mux"
)

type APIRouter struct {
	*gmux.Router
	sta *State
}

func APIRouterOf(sta *State) *APIRouter {
	ret := &APIRouter{
		sta: sta,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/stats", ar.statsHlr).Methods("GET")
	ar.Use(corsMiddleware)
}

type statsInfo struct {
	ActiveSessions int   `json:"activeSessions"`
	ActiveStreams  int   `json:"activeStreams"`
	RxBytes        int64 `json:"rxBytes"`
	TxBytes        int64 `json:"txBytes"`
}

func (ar *APIRouter) statsHlr(w http.ResponseWriter, r *http.Request) {
	info := statsInfo{
		ActiveSessions: ar.sta.SessionCount(),
		ActiveStreams:  ar.sta.StreamCount(),
		RxBytes:        ar.sta.SessionConfig.GetRx(),
		TxBytes:        ar.sta.SessionConfig.GetTx(),
	}
	resp, err := json.Marshal(info)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

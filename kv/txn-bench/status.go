package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"go.uber.org/zap"
)

type statusInfo struct {
	Command    string      `json:"command"`
	Backend    string      `json:"backend"`
	Sessions   int         `json:"sessions"`
	Operations []opSummary `json:"operations"`
}

func newStatusRouter(reg *prometheus.Registry, status func() statusInfo) *mux.Router {
	rd := render.New(render.Options{
		IndentJSON: true,
	})
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		rd.JSON(w, http.StatusOK, status())
	}).Methods("GET")
	return router
}

// serveStatus runs the status server until ctx is done.
func serveStatus(ctx context.Context, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.L().Info("status server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.L().Warn("status server stopped", zap.Error(err))
		}
	}()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/amnesia/internal/api"
	"github.com/dreamware/amnesia/internal/coordinator"
	"github.com/dreamware/amnesia/internal/errs"
)

type server struct {
	pipeline *coordinator.Pipeline
	monitor  *coordinator.ShardMonitor
	logger   *zap.Logger
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/shards", s.handleShards)
	mux.HandleFunc("/predict", s.handlePredict)
	return mux
}

func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idx, err := s.pipeline.Manager().Index()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	weights := s.pipeline.Aggregator().Weights()
	out := make([]api.ShardStatus, 0, idx.NumShards())
	for _, info := range idx.Infos() {
		st := api.ShardStatus{Info: info, Weight: weights[info.Index]}
		st.Serving = s.pipeline.Aggregator().Has(info.Index)
		if s.monitor != nil {
			if h := s.monitor.GetShardHealth(info.Index); h != nil {
				st.Health = &api.ShardHealth{
					Status:           h.Status,
					ConsecutiveFails: h.ConsecutiveFails,
					LastCheck:        h.LastCheck.UTC().Format(time.RFC3339),
				}
			}
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req api.PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	probs, err := s.pipeline.Predict(req.Input)
	if errors.Is(err, errs.ErrEmptyAggregator) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	best := 0
	for c, p := range probs {
		if p > probs[best] {
			best = c
		}
	}
	writeJSON(w, http.StatusOK, api.PredictResponse{Probabilities: probs, Class: best})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// listen serves s on addr until ctx is done, then shuts down gracefully.
func (s *server) listen(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

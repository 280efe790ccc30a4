package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/errs"
	"github.com/mayadata-io/nexus-engine/internal/mbus"
	"github.com/mayadata-io/nexus-engine/pkg/nexusapi"
)

// watchEventOf flattens a mbus.Event's tagged-union shape into the single
// flat WatchEvent frame nexusctl's client decodes.
func watchEventOf(e mbus.Event) nexusapi.WatchEvent {
	out := nexusapi.WatchEvent{Kind: string(e.Kind), Timestamp: e.Timestamp}
	switch {
	case e.Nexus != nil:
		out.Nexus = e.Nexus.Name
		out.State = e.Nexus.State
	case e.Child != nil:
		out.Child = e.Child.ChildUUID
		out.Nexus = e.Child.NexusUUID
		out.State = e.Child.State
		out.Reason = e.Child.Reason
	case e.Rebuild != nil:
		out.State = e.Rebuild.State
	}
	return out
}

// apiServer is the engine's JSON control surface plus the /metrics
// Prometheus endpoint: a conditional metrics mux served alongside the main
// listener, with graceful shutdown of both on exit.
type apiServer struct {
	eng        *engine
	httpSrv    *http.Server
	metricsSrv *http.Server
}

func newAPIServer(eng *engine, addr, metricsAddr string) *apiServer {
	s := &apiServer{eng: eng}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/nexus", s.handleListNexus)
	mux.HandleFunc("/v1/nexus/", s.handleDescribeNexus)
	mux.HandleFunc("/v1/rebuild", s.handleListRebuilds)
	mux.HandleFunc("/v1/rebuild/", s.handleRebuildOp)
	mux.HandleFunc("/v1/fault", s.handleFault)
	mux.HandleFunc("/v1/watch", s.handleWatch)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if metricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsSrv = &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return s
}

func (s *apiServer) Run() {
	if s.metricsSrv != nil {
		go func() {
			klog.Infof("server: metrics listening on %s", s.metricsSrv.Addr)
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.Errorf("server: metrics server error: %v", err)
			}
		}()
	}

	klog.Infof("server: api listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		klog.Errorf("server: api server error: %v", err)
	}
}

func (s *apiServer) Stop(ctx context.Context) {
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			klog.Errorf("server: metrics shutdown: %v", err)
		}
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		klog.Errorf("server: api shutdown: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindInvalidArgument:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindAlreadyExists:
		status = http.StatusConflict
	}
	writeJSON(w, status, nexusapi.ErrorResponse{Error: err.Error()})
}

func (s *apiServer) handleListNexus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.eng.listNexusViews())
}

func (s *apiServer) handleDescribeNexus(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/nexus/")
	if name == "" || r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	nx, ok := s.eng.getNexus(name)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "nexus %s not found", name))
		return
	}
	writeJSON(w, http.StatusOK, viewOfNexus(nx))
}

func (s *apiServer) handleListRebuilds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.eng.listRebuildViews())
}

func (s *apiServer) handleRebuildOp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	serialStr := strings.TrimPrefix(r.URL.Path, "/v1/rebuild/")
	serial, err := strconv.ParseInt(serialStr, 10, 64)
	if err != nil {
		writeError(w, errs.New(errs.KindInvalidArgument, "bad rebuild serial %q", serialStr))
		return
	}
	var req nexusapi.RebuildOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindInvalidArgument, "bad request body: %v", err))
		return
	}
	if err := s.eng.rebuildOp(serial, req.Op); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleFault(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.eng.listFaults())
	case http.MethodPost:
		var req nexusapi.FaultInjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errs.New(errs.KindInvalidArgument, "bad request body: %v", err))
			return
		}
		if err := s.eng.faultInject(req.URI); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleWatch upgrades to a websocket and streams the shared event bus's
// state-change events until the client disconnects.
func (s *apiServer) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		klog.Errorf("server: watch accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sub := s.eng.bus.Subscribe("watch-"+r.RemoteAddr, 32)
	defer s.eng.bus.Unsubscribe("watch-" + r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			out := watchEventOf(ev)
			raw, err := json.Marshal(out)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
				return
			}
		}
	}
}

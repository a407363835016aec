// Package server exposes the rebalancer over http: an admin api on one port
// and health, pprof and prometheus metrics on a debug port.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/mapstore"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/updator"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/utils"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/version"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/workload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rebalancer is what the server needs from one rank's orchestrator.
type Rebalancer interface {
	GetExpertLoad() (*workload.Matrix, bool)
	Status() updator.Status
	ExpertMaps() expertmap.GlobalMap
	TriggerRebalance()
	Shutdown() error
}

type ErrorStatusResponse struct {
	Status *utils.ErrorStatus `json:"status"`
}

type ExpertLoadResponse struct {
	Status  *utils.ErrorStatus `json:"status"`
	Layers  int                `json:"layers"`
	Devices int                `json:"devices"`
	Experts int                `json:"experts"`
	MoeLoad [][][]float64      `json:"moe_load,omitempty"`
}

type StatusResponse struct {
	Status    *utils.ErrorStatus `json:"status"`
	GitCommit string             `json:"git_commit"`
	Ranks     []updator.Status   `json:"ranks"`
}

type serverOpts func(s *Server)

func WithHttpPort(port int) serverOpts {
	return func(s *Server) {
		s.httpPort = port
	}
}

func WithDebugPort(port int) serverOpts {
	return func(s *Server) {
		s.debugPort = port
	}
}

// WithGatherer serves gatherer on /metrics instead of the default registry.
func WithGatherer(gatherer prometheus.Gatherer) serverOpts {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

type Server struct {
	httpPort  int
	debugPort int
	ranks     []Rebalancer
	gatherer  prometheus.Gatherer

	httpServer  *http.Server
	debugServer *http.Server

	shutdownOnce sync.Once
	done         chan struct{}
}

func NewServer(ranks []Rebalancer, opts ...serverOpts) *Server {
	output := &Server{
		ranks:    ranks,
		gatherer: prometheus.DefaultGatherer,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(output)
	}
	return output
}

// Done is closed once a shutdown has been requested over http.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

type handleRequest func(r *http.Request) (int, interface{})

func (s *Server) registerHttpHandle(router *mux.Router, name, method, path string, handle handleRequest) {
	router.Name(name).
		Methods(strings.ToUpper(method)).
		Path(path).
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logging.Verbose(1, "[server] %s got req %s from %s", name, r.URL, r.RemoteAddr)
			code, body := handle(r)
			utils.WriteJson(w, code, body)
		})
}

// Handler is the admin api.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	s.registerHttpHandle(router, "ExpertLoad", "get", "/v1/expert_load", s.expertLoad)
	s.registerHttpHandle(router, "Status", "get", "/v1/status", s.status)
	router.Name("ExpertMap").Methods(http.MethodGet).Path("/v1/expert_map").HandlerFunc(s.expertMap)
	s.registerHttpHandle(router, "Shutdown", "post", "/v1/shutdown", s.shutdown)
	s.registerHttpHandle(router, "TriggerRebalance", "post", "/v1/trigger_rebalance", s.triggerRebalance)
	return router
}

// DebugHandler serves /health, pprof under /debug and /metrics.
func (s *Server) DebugHandler() http.Handler {
	debugMux := runtime.NewServeMux()
	utils.RegisterHealthPath(debugMux)
	utils.RegisterProfPath(debugMux)
	utils.RegisterHandler(
		debugMux,
		http.MethodGet,
		"/metrics",
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}),
	)
	return debugMux
}

func (s *Server) rankFromUrl(r *http.Request) (Rebalancer, *utils.ErrorStatus) {
	if len(s.ranks) == 0 {
		return nil, utils.StatusMsg(utils.CodeNotReady, "no rank is served")
	}
	if r.URL.Query().Get("rank") == "" {
		return s.ranks[0], nil
	}
	rank, status := utils.GetIntFromUrl(r, "rank")
	if status != nil {
		return nil, status
	}
	if rank < 0 || int(rank) >= len(s.ranks) {
		return nil, utils.StatusMsg(utils.CodeInvalidArgument, "rank %d not in [0, %d)", rank, len(s.ranks))
	}
	return s.ranks[rank], nil
}

func (s *Server) expertLoad(r *http.Request) (int, interface{}) {
	rank, status := s.rankFromUrl(r)
	if status != nil {
		return http.StatusBadRequest, &ExpertLoadResponse{Status: status}
	}
	load, ok := rank.GetExpertLoad()
	if !ok {
		return http.StatusServiceUnavailable, &ExpertLoadResponse{
			Status: utils.StatusMsg(utils.CodeNotReady, "expert load not gathered yet"),
		}
	}
	return http.StatusOK, &ExpertLoadResponse{
		Status:  utils.StatusOk(),
		Layers:  load.Layers(),
		Devices: load.Devices(),
		Experts: load.Experts(),
		MoeLoad: load.Nested(),
	}
}

func (s *Server) status(r *http.Request) (int, interface{}) {
	resp := &StatusResponse{
		Status:    utils.StatusOk(),
		GitCommit: version.GitCommitId,
		Ranks:     []updator.Status{},
	}
	for _, rank := range s.ranks {
		resp.Ranks = append(resp.Ranks, rank.Status())
	}
	return http.StatusOK, resp
}

// expertMap writes the published map in the same json document the map
// stores persist.
func (s *Server) expertMap(w http.ResponseWriter, r *http.Request) {
	rank, status := s.rankFromUrl(r)
	if status != nil {
		utils.WriteJson(w, http.StatusBadRequest, &ErrorStatusResponse{Status: status})
		return
	}
	maps := rank.ExpertMaps()
	if maps == nil {
		utils.WriteJson(w, http.StatusServiceUnavailable, &ErrorStatusResponse{
			Status: utils.StatusMsg(utils.CodeNotReady, "expert map not published yet"),
		})
		return
	}
	data, err := mapstore.Encode(maps.Deployment())
	if err != nil {
		utils.WriteJson(w, http.StatusInternalServerError, &ErrorStatusResponse{
			Status: utils.StatusMsg(utils.CodeInternal, "encode expert map: %v", err),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) triggerRebalance(r *http.Request) (int, interface{}) {
	for _, rank := range s.ranks {
		rank.TriggerRebalance()
	}
	logging.Info("[server] rebalance triggered on %d ranks", len(s.ranks))
	return http.StatusOK, &ErrorStatusResponse{Status: utils.StatusOk()}
}

func (s *Server) shutdown(r *http.Request) (int, interface{}) {
	var failed []string
	for i, rank := range s.ranks {
		if err := rank.Shutdown(); err != nil {
			failed = append(failed, fmt.Sprintf("rank %d: %v", i, err))
		}
	}
	s.shutdownOnce.Do(func() {
		close(s.done)
	})
	if len(failed) > 0 {
		return http.StatusInternalServerError, &ErrorStatusResponse{
			Status: utils.StatusMsg(utils.CodeInternal, "%s", strings.Join(failed, "; ")),
		}
	}
	return http.StatusOK, &ErrorStatusResponse{Status: utils.StatusOk()}
}

// Start listens on both ports in the background.
func (s *Server) Start() {
	logging.Info("[server] start with git commit id: %s", version.GitCommitId)
	s.httpServer = &http.Server{Addr: fmt.Sprintf(":%v", s.httpPort), Handler: s.Handler()}
	s.debugServer = &http.Server{Addr: fmt.Sprintf(":%v", s.debugPort), Handler: s.DebugHandler()}
	for _, hs := range []*http.Server{s.httpServer, s.debugServer} {
		go func(hs *http.Server) {
			logging.Info("[server] start to listening to %s", hs.Addr)
			if err := hs.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("[server] listen to %s failed: %v", hs.Addr, err)
			}
		}(hs)
	}
}

func (s *Server) Stop(ctx context.Context) {
	for _, hs := range []*http.Server{s.httpServer, s.debugServer} {
		if hs == nil {
			continue
		}
		if err := hs.Shutdown(ctx); err != nil {
			logging.Warning("[server] shutdown %s: %v", hs.Addr, err)
			hs.Close()
		}
	}
}

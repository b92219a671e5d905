package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zenflow/internal/appcontext"
	"github.com/pbinitiative/zenflow/internal/config"
	"github.com/pbinitiative/zenflow/internal/log"
	otelint "github.com/pbinitiative/zenflow/internal/otel"
	"github.com/pbinitiative/zenflow/internal/rest/middleware"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxDefinitionSize = 4 << 20
	defaultTaskLimit  = 10
)

type Server struct {
	engine *bpmn.Engine
	addr   string
	server *http.Server
	status func() any
}

// NewServer exposes engine over HTTP. status feeds /system/status and may be nil.
func NewServer(engine *bpmn.Engine, conf config.Config, requests *otelint.RequestMetrics, status func() any) *Server {
	s := &Server{
		engine: engine,
		addr:   conf.HttpServer.Addr,
		status: status,
	}
	s.server = &http.Server{
		ReadHeaderTimeout: 3 * time.Second,
		Handler:           s.router(conf, requests),
		Addr:              conf.HttpServer.Addr,
	}
	return s
}

func (s *Server) router(conf config.Config, requests *otelint.RequestMetrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Cors(conf.HttpServer.AllowedOrigins))
	r.Use(middleware.Opentelemetry(conf, requests))
	r.Use(middleware.StripEmptyQueryParams())
	r.Route(strings.TrimSuffix(conf.HttpServer.Context, "/")+"/v1", func(r chi.Router) {
		r.Route("/process-definitions", func(r chi.Router) {
			r.Post("/", s.deployDefinition)
			r.Get("/", s.findDefinitions)
			r.Get("/{definitionKey}", s.getDefinition)
		})
		r.Route("/process-instances", func(r chi.Router) {
			r.Post("/", s.startProcess)
			r.Route("/{instanceKey}", func(r chi.Router) {
				r.Use(instanceContext)
				r.Get("/", s.getInstanceState)
				r.Get("/history", s.getHistory)
				r.Get("/children", s.getChildren)
				r.Post("/cancel", s.cancelProcess)
				r.Post("/suspend", s.suspendProcess)
				r.Post("/resume", s.resumeProcess)
				r.Post("/activities/{activityInstanceKey}/complete", s.completeActivity)
				r.Post("/activities/{activityInstanceKey}/fail", s.failActivity)
				r.Post("/activities/{activityInstanceKey}/fire-timer", s.fireTimer)
			})
		})
		r.Post("/messages", s.correlateMessage)
		r.Get("/tasks", s.fetchTasks)
	})
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			var state any = map[string]string{"engine": s.engine.Name()}
			if s.status != nil {
				state = s.status()
			}
			writeJson(w, http.StatusOK, state)
		})
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	log.Info("Zenflow REST server listening on %s", listener.Addr())
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener, nil
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

// instanceContext stores the instance key of the route in the request context for logging.
func instanceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key, err := strconv.ParseInt(chi.URLParam(r, "instanceKey"), 10, 64); err == nil {
			r = r.WithContext(appcontext.WithInstanceKey(r.Context(), key))
		}
		next.ServeHTTP(w, r)
	})
}

func pathKey(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	key, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, badRequest{msg: fmt.Sprintf("%s %q is not a valid key", name, raw)}
	}
	return key, nil
}

// decodeBody reads an optional JSON body into v. An empty body leaves v untouched.
// Numbers inside untyped fields are decoded as json.Number, callers pass variables through
// runtime.NormalizeVariables.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	err := dec.Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return badRequest{msg: fmt.Sprintf("malformed request body: %s", err)}
}

// deployDefinition accepts BPMN XML, YAML or JSON, chosen by Content-Type.
func (s *Server) deployDefinition(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionSize))
	if err != nil {
		writeError(w, r, badRequest{msg: fmt.Sprintf("failed to read body: %s", err)})
		return
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var def model.ProcessDefinition
	switch mediaType {
	case "application/xml", "text/xml", "application/bpmn+xml":
		def, err = s.engine.DeployBpmn(r.Context(), data)
	case "application/json":
		def, err = model.ParseJSON(data)
		if err == nil {
			def, err = s.engine.DeployDefinition(r.Context(), def)
		} else {
			err = badRequest{msg: err.Error()}
		}
	default:
		def, err = s.engine.DeployYaml(r.Context(), data)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusCreated, definitionSummary(def))
}

type DefinitionSummary struct {
	Key        int64     `json:"key"`
	Id         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Version    int32     `json:"version"`
	DeployedAt time.Time `json:"deployedAt"`
}

func definitionSummary(def model.ProcessDefinition) DefinitionSummary {
	return DefinitionSummary{Key: def.Key, Id: def.Id, Name: def.Name, Version: def.Version, DeployedAt: def.DeployedAt}
}

func (s *Server) findDefinitions(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, r, badRequest{msg: "query parameter id is required"})
		return
	}
	defs, err := s.engine.FindDefinitionsById(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]DefinitionSummary, 0, len(defs))
	for _, def := range defs {
		items = append(items, definitionSummary(def))
	}
	writeJson(w, http.StatusOK, items)
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "definitionKey")
	if err != nil {
		writeError(w, r, err)
		return
	}
	def, err := s.engine.FindDefinition(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, def)
}

type StartProcessResponse struct {
	Key int64 `json:"key"`
}

func (s *Server) startProcess(w http.ResponseWriter, r *http.Request) {
	var cmd bpmn.StartCommand
	if err := decodeBody(r, &cmd); err != nil {
		writeError(w, r, err)
		return
	}
	if cmd.DefinitionKey == 0 && cmd.DefinitionId == "" {
		writeError(w, r, badRequest{msg: "definitionKey or definitionId is required"})
		return
	}
	runtime.NormalizeVariables(cmd.Variables)
	key, err := s.engine.StartProcess(r.Context(), cmd)
	if key != 0 {
		// the instance exists even when its first step could not be applied
		w.Header().Set("X-Process-Instance-Key", strconv.FormatInt(key, 10))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusCreated, StartProcessResponse{Key: key})
}

func (s *Server) getInstanceState(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "instanceKey")
	if err != nil {
		writeError(w, r, err)
		return
	}
	snapshot, err := s.engine.GetInstanceState(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, snapshot)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "instanceKey")
	if err != nil {
		writeError(w, r, err)
		return
	}
	history, err := s.engine.GetHistory(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, history)
}

func (s *Server) getChildren(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "instanceKey")
	if err != nil {
		writeError(w, r, err)
		return
	}
	children, err := s.engine.FindChildInstances(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, children)
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) cancelProcess(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "instanceKey")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req CancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.engine.CancelProcess(r.Context(), key, req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) suspendProcess(w http.ResponseWriter, r *http.Request) {
	s.instanceCommand(w, r, s.engine.SuspendProcess)
}

func (s *Server) resumeProcess(w http.ResponseWriter, r *http.Request) {
	s.instanceCommand(w, r, s.engine.ResumeProcess)
}

func (s *Server) instanceCommand(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, key int64) error) {
	key, err := pathKey(r, "instanceKey")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := fn(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type CompleteRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

type FailRequest struct {
	Reason    string `json:"reason"`
	ErrorCode string `json:"errorCode,omitempty"`
}

func activityKeys(r *http.Request) (int64, int64, error) {
	instanceKey, err := pathKey(r, "instanceKey")
	if err != nil {
		return 0, 0, err
	}
	activityKey, err := pathKey(r, "activityInstanceKey")
	if err != nil {
		return 0, 0, err
	}
	return instanceKey, activityKey, nil
}

func (s *Server) completeActivity(w http.ResponseWriter, r *http.Request) {
	instanceKey, activityKey, err := activityKeys(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req CompleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.engine.CompleteActivity(r.Context(), instanceKey, activityKey, runtime.NormalizeVariables(req.Variables)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) failActivity(w http.ResponseWriter, r *http.Request) {
	instanceKey, activityKey, err := activityKeys(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req FailRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.engine.FailActivity(r.Context(), instanceKey, activityKey, req.Reason, req.ErrorCode); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fireTimer(w http.ResponseWriter, r *http.Request) {
	instanceKey, activityKey, err := activityKeys(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.engine.FireTimer(r.Context(), instanceKey, activityKey); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type MessageRequest struct {
	Name           string         `json:"name"`
	CorrelationKey string         `json:"correlationKey"`
	Variables      map[string]any `json:"variables,omitempty"`
}

type MessageResponse struct {
	Correlated int `json:"correlated"`
}

func (s *Server) correlateMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, badRequest{msg: "message name is required"})
		return
	}
	n, err := s.engine.CorrelateMessage(r.Context(), req.Name, req.CorrelationKey, runtime.NormalizeVariables(req.Variables))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, MessageResponse{Correlated: n})
}

func (s *Server) fetchTasks(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, r, badRequest{msg: "query parameter topic is required"})
		return
	}
	limit := defaultTaskLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, badRequest{msg: fmt.Sprintf("limit %q is not a valid number", raw)})
			return
		}
		limit = n
	}
	tasks, err := s.engine.FetchTasks(r.Context(), topic, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []bpmn.Task{}
	}
	writeJson(w, http.StatusOK, tasks)
}

package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/schemahub/internal/errors"
	"github.com/wudi/schemahub/internal/logging"
	"github.com/wudi/schemahub/internal/registry"
	"github.com/wudi/schemahub/internal/schema"
)

// maxBodyBytes caps request bodies; supergraph-sized SDL fits comfortably.
const maxBodyBytes = 4 << 20

// schemaRequest is the body of check and publish calls.
type schemaRequest struct {
	Organization string           `json:"organization"`
	Project      string           `json:"project"`
	Target       string           `json:"target"`
	Service      string           `json:"service"`
	URL          string           `json:"url,omitempty"`
	SDL          string           `json:"sdl,omitempty"`
	Action       string           `json:"action,omitempty"`
	Force        bool             `json:"force,omitempty"`
	ProjectType  string           `json:"project_type,omitempty"`
	External     *externalRequest `json:"external,omitempty"`
}

// externalRequest points composition at a project-owned composer.
type externalRequest struct {
	Endpoint string `json:"endpoint"`
	Secret   string `json:"secret,omitempty"`
}

func (sr *schemaRequest) toPublishRequest() registry.PublishRequest {
	req := registry.PublishRequest{
		Selector: schema.TargetSelector{
			Organization: sr.Organization,
			Project:      sr.Project,
			Target:       sr.Target,
		},
		Service: sr.Service,
		URL:     sr.URL,
		SDL:     sr.SDL,
		Action:  sr.Action,
		Force:   sr.Force,
		Project: schema.Project{Type: schema.ProjectType(sr.ProjectType)},
	}
	if sr.External != nil && sr.External.Endpoint != "" {
		req.Project.ExternalComposition = schema.ExternalComposition{
			Enabled:  true,
			Endpoint: sr.External.Endpoint,
			Secret:   sr.External.Secret,
		}
	}
	return req
}

type baseSchemaRequest struct {
	SDL string `json:"sdl"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSchemaRequest(w, r)
	if !ok {
		return
	}
	res, err := s.registry.Check(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSchemaRequest(w, r)
	if !ok {
		return
	}
	res, err := s.registry.Publish(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSupergraph(w http.ResponseWriter, r *http.Request) {
	sdl, err := s.registry.Supergraph(r.Context(), selectorFromPath(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(sdl))
}

func (s *Server) handleSubgraphs(w http.ResponseWriter, r *http.Request) {
	subgraphs, err := s.registry.Subgraphs(r.Context(), selectorFromPath(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subgraphs": subgraphs,
		"count":     len(subgraphs),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeAPIError(w, r, errors.ErrBadRequest.WithDetails("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	versions, err := s.registry.History(r.Context(), selectorFromPath(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"count":    len(versions),
	})
}

func (s *Server) handleSetBaseSchema(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body baseSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeDecodeError(w, r, err)
		return
	}

	if err := s.registry.SetBaseSchema(r.Context(), selectorFromPath(r), body.SDL); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth reports liveness with dependency checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]interface{})
	allHealthy := true

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	storeErr := s.registry.Ping(ctx)
	storeCheck := map[string]interface{}{
		"status": boolStatus(storeErr == nil),
	}
	if storeErr != nil {
		storeCheck["error"] = storeErr.Error()
		allHealthy = false
	}
	checks["store"] = storeCheck

	if s.notifier != nil {
		checks["notifications"] = s.notifier.Stats()
	}
	if s.tracer != nil {
		checks["tracing"] = s.tracer.Status()
	}
	if snap, ok := s.registry.PolicyStats(); ok {
		checks["policy"] = snap
	}
	if stats, ok := s.registry.CacheStats(); ok {
		checks["composition_cache"] = stats
	}
	if s.ratelimit != nil {
		checks["rate_limit"] = s.ratelimit.Stats()
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": boolStatus(allHealthy),
		"uptime": time.Since(s.startTime).String(),
		"checks": checks,
	})
}

// decodeSchemaRequest reads and checks the shared check/publish body.
func (s *Server) decodeSchemaRequest(w http.ResponseWriter, r *http.Request) (registry.PublishRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body schemaRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeDecodeError(w, r, err)
		return registry.PublishRequest{}, false
	}
	return body.toPublishRequest(), true
}

func (s *Server) writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if stderrors.As(err, &maxErr) {
		s.writeAPIError(w, r, errors.ErrRequestEntityTooLarge)
		return
	}
	s.writeAPIError(w, r, errors.ErrBadRequest.WithDetails("invalid JSON body: "+err.Error()))
}

// writeError maps pipeline errors onto the response envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case stderrors.Is(err, registry.ErrInvalidRequest):
		s.writeAPIError(w, r, errors.ErrBadRequest.WithDetails(err.Error()))
	case stderrors.Is(err, registry.ErrNotFound):
		s.writeAPIError(w, r, errors.ErrNotFound)
	default:
		logging.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
		s.writeAPIError(w, r, errors.ErrInternalServer)
	}
}

func (s *Server) writeAPIError(w http.ResponseWriter, r *http.Request, apiErr *errors.APIError) {
	if reqID := RequestIDFromContext(r.Context()); reqID != "" {
		apiErr = apiErr.WithRequestID(reqID)
	}
	apiErr.WriteJSON(w)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func selectorFromPath(r *http.Request) schema.TargetSelector {
	params := httprouter.ParamsFromContext(r.Context())
	return schema.TargetSelector{
		Organization: params.ByName("org"),
		Project:      params.ByName("project"),
		Target:       params.ByName("target"),
	}
}

// boolStatus returns "ok" or "fail" for a boolean.
func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

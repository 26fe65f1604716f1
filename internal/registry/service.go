package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/schemahub/internal/config"
	"github.com/wudi/schemahub/internal/logging"
	"github.com/wudi/schemahub/internal/metrics"
	"github.com/wudi/schemahub/internal/notify"
	"github.com/wudi/schemahub/internal/orchestrator"
	"github.com/wudi/schemahub/internal/policy"
	"github.com/wudi/schemahub/internal/schema"
	"github.com/wudi/schemahub/internal/tracing"
	"github.com/wudi/schemahub/internal/validation"
)

// ErrInvalidRequest marks client errors in the publish pipeline.
var ErrInvalidRequest = errors.New("invalid request")

// Notifier publishes registry events to configured channels.
type Notifier interface {
	Emit(event *notify.Event)
}

// PublishRequest describes one check or publish attempt for a service
// under a target.
type PublishRequest struct {
	Selector schema.TargetSelector
	Service  string
	URL      string
	SDL      string
	Action   string // "" = publish
	Force    bool   // accept breaking changes regardless of policy
	Project  schema.Project
}

// PublishResult is the outcome of a check or publish.
type PublishResult struct {
	validation.Result
	Initial    bool   `json:"initial"`
	VersionID  string `json:"versionId,omitempty"`
	PolicyRule string `json:"policyRule,omitempty"`
}

// Options collects the collaborators of a Service.
type Options struct {
	Store         Store
	Orchestrators *orchestrator.Set
	Validator     *validation.Validator
	Helper        *schema.Helper
	Policy        *policy.Engine
	Notifier      Notifier
	Tracer        *tracing.Tracer
}

// Service runs the validation pipeline against stored target state and
// persists accepted publishes. All instrumentation lives here, at the
// boundary; the validator itself stays free of it.
type Service struct {
	store         Store
	orchestrators *orchestrator.Set
	validator     *validation.Validator
	helper        *schema.Helper
	notifier      Notifier
	tracer        *tracing.Tracer

	mu     sync.RWMutex // guards policy
	policy *policy.Engine

	locks targetLocks
}

// NewService creates a Service from its collaborators.
func NewService(opts Options) *Service {
	helper := opts.Helper
	if helper == nil {
		helper = schema.NewHelper()
	}
	return &Service{
		store:         opts.Store,
		orchestrators: opts.Orchestrators,
		validator:     opts.Validator,
		helper:        helper,
		notifier:      opts.Notifier,
		tracer:        opts.Tracer,
		policy:        opts.Policy,
	}
}

// ApplyConfig rebuilds the policy engine from a reloaded config. A rule
// compile error keeps the previous engine and is returned to the caller.
func (s *Service) ApplyConfig(cfg *config.Config) error {
	eng, err := policy.NewEngine(cfg.Policy.Rules)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = eng
	s.mu.Unlock()
	return nil
}

// Check runs the validation pipeline without persisting anything.
func (s *Service) Check(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	return s.process(ctx, req, false)
}

// Publish runs the validation pipeline and, when the result is valid,
// persists a new version and emits events.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	return s.process(ctx, req, true)
}

func (s *Service) process(ctx context.Context, req PublishRequest, persist bool) (*PublishResult, error) {
	if req.Action == "" {
		req.Action = ActionPublish
	}
	if req.Project.Type == "" {
		req.Project.Type = schema.ProjectFederation
	}
	if err := checkRequest(req); err != nil {
		return nil, err
	}

	orch, err := s.orchestrators.ForProject(req.Project.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	kind := "check"
	if persist {
		kind = "publish"
	}

	ctx, span := s.startSpan(ctx, "registry."+kind)
	defer span.End()
	span.SetAttributes(
		attribute.String("schemahub.target", req.Selector.String()),
		attribute.String("schemahub.service", req.Service),
		attribute.String("schemahub.action", req.Action),
	)

	unlock := s.locks.lock(req.Selector.String())
	defer unlock()

	start := time.Now()
	result, err := s.run(ctx, orch, req, persist)

	outcome := "error"
	if err == nil {
		outcome = "invalid"
		if result.Valid {
			outcome = "valid"
		}
	}
	metrics.ValidationsTotal.WithLabelValues(kind, outcome).Inc()
	metrics.ValidationDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("schemahub.outcome", outcome))
	if err != nil {
		span.RecordError(err)
	}

	return result, err
}

// run assembles the validator inputs from stored state, validates, and
// persists the outcome when asked to. Callers hold the target lock.
func (s *Service) run(ctx context.Context, orch orchestrator.Orchestrator, req PublishRequest, persist bool) (*PublishResult, error) {
	state, err := s.store.Latest(ctx, req.Selector)
	if err != nil {
		return nil, fmt.Errorf("load target state: %w", err)
	}

	if req.Action == ActionDelete && state.Subgraph(req.Service) == nil {
		return nil, fmt.Errorf("%w: service %q not found under %s", ErrInvalidRequest, req.Service, req.Selector.String())
	}

	base, err := s.store.BaseSchema(ctx, req.Selector)
	if err != nil {
		return nil, fmt.Errorf("load base schema: %w", err)
	}

	before, err := s.beforeSet(state)
	if err != nil {
		return nil, err
	}
	existing := existingObject(before, req.Service)
	isInitial := state == nil || len(state.Subgraphs) == 0

	// The stored supergraph was composed with the base fragment merged
	// in, so the baseline handed to validation gets the same treatment.
	// Checksums and the candidate set stay on the raw stored schemas.
	beforeBase, err := s.withBase(before, base)
	if err != nil {
		return nil, err
	}

	incoming, parseErr := s.incomingObject(req)
	if parseErr != nil {
		// Unparsable SDL is a client problem reported as an invalid
		// result, not a pipeline fault.
		res := &PublishResult{
			Result: validation.Result{
				Errors:  []schema.Error{{Message: fmt.Sprintf("Failed to parse schema: %s", parseErr)}},
				Changes: []schema.Change{},
			},
			Initial: isInitial,
		}
		if persist {
			s.emit(notify.NewEvent(notify.ValidationFailed, req.Selector, req.Service, map[string]interface{}{
				"errors": res.Errors,
			}))
		}
		return res, nil
	}

	after := afterSet(before, incoming, req.Action)

	decision := s.consultPolicy(req.Selector, isInitial)
	accept := req.Force || decision.Accept

	var basePtr *string
	if base != "" {
		basePtr = &base
	}

	result, err := s.validator.Validate(ctx, orch, validation.Params{
		Selector:              req.Selector,
		Incoming:              incoming,
		Existing:              existing,
		IsInitial:             isInitial,
		Before:                beforeBase,
		After:                 after,
		BaseSchema:            basePtr,
		AcceptBreakingChanges: accept,
		Project:               req.Project,
	})
	if err != nil {
		return nil, fmt.Errorf("validate schema: %w", err)
	}

	breaking := 0
	for _, change := range result.Changes {
		metrics.SchemaChangesTotal.WithLabelValues(string(change.Criticality)).Inc()
		if change.Criticality == schema.Breaking {
			breaking++
		}
	}
	if accept && breaking > 0 {
		metrics.BreakingAcceptedTotal.Add(float64(breaking))
	}

	res := &PublishResult{Result: *result, Initial: isInitial}
	if decision.Accept && !req.Force {
		res.PolicyRule = decision.RuleID
	}

	if !persist {
		return res, nil
	}

	if !result.Valid {
		s.emit(notify.NewEvent(notify.ValidationFailed, req.Selector, req.Service, map[string]interface{}{
			"errors": result.Errors,
		}))
		return res, nil
	}

	// Identical content: nothing to persist or announce.
	if req.Action == ActionPublish && existing != nil && s.helper.Checksum(incoming) == s.helper.Checksum(existing) {
		if sg := state.Subgraph(req.Service); sg != nil {
			res.VersionID = sg.VersionID
		}
		return res, nil
	}

	version, err := s.persist(ctx, orch, req, incoming, after, base, result)
	if err != nil {
		return nil, err
	}
	res.VersionID = version.ID

	s.emit(notify.NewEvent(notify.SchemaPublished, req.Selector, req.Service, map[string]interface{}{
		"version":  version.ID,
		"action":   req.Action,
		"changes":  len(result.Changes),
		"breaking": breaking,
	}))
	if accept && breaking > 0 {
		s.emit(notify.NewEvent(notify.BreakingAccepted, req.Selector, req.Service, map[string]interface{}{
			"version": version.ID,
			"count":   breaking,
			"rule":    res.PolicyRule,
			"forced":  req.Force,
		}))
	}

	return res, nil
}

// persist composes the new supergraph, builds the version record and
// inserts it.
func (s *Service) persist(ctx context.Context, orch orchestrator.Orchestrator, req PublishRequest, incoming *schema.Object, after []schema.Object, base string, result *validation.Result) (*Version, error) {
	buildSet, err := s.withBase(after, base)
	if err != nil {
		return nil, err
	}

	built, err := orch.Build(ctx, buildSet, externalConfig(req.Project))
	if err != nil {
		return nil, fmt.Errorf("build supergraph: %w", err)
	}
	supergraph := ""
	if built != nil {
		supergraph = built.Raw
	}

	version := Version{
		ID:          uuid.NewString(),
		Action:      req.Action,
		Service:     req.Service,
		URL:         req.URL,
		Checksum:    s.helper.Checksum(incoming),
		Supergraph:  supergraph,
		Changes:     result.Changes,
		PublishedAt: time.Now().UTC(),
	}
	if req.Action == ActionPublish {
		version.SDL = incoming.Raw
	}

	if err := s.store.Insert(ctx, req.Selector, version); err != nil {
		return nil, fmt.Errorf("persist version: %w", err)
	}
	metrics.PublishesTotal.Inc()

	logging.Info("Schema published",
		zap.String("target", req.Selector.String()),
		zap.String("service", req.Service),
		zap.String("action", req.Action),
		zap.String("version", version.ID),
		zap.Int("changes", len(result.Changes)))

	return &version, nil
}

// Supergraph returns the latest composed schema for a target.
func (s *Service) Supergraph(ctx context.Context, sel schema.TargetSelector) (string, error) {
	state, err := s.store.Latest(ctx, sel)
	if err != nil {
		return "", fmt.Errorf("load target state: %w", err)
	}
	if state == nil || state.Supergraph == "" {
		return "", ErrNotFound
	}
	return state.Supergraph, nil
}

// Subgraphs returns the current subgraph set for a target.
func (s *Service) Subgraphs(ctx context.Context, sel schema.TargetSelector) ([]Subgraph, error) {
	state, err := s.store.Latest(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("load target state: %w", err)
	}
	if state == nil {
		return []Subgraph{}, nil
	}
	return state.Subgraphs, nil
}

// History returns recent versions for a target, newest first.
func (s *Service) History(ctx context.Context, sel schema.TargetSelector, limit int) ([]Version, error) {
	return s.store.History(ctx, sel, limit)
}

// SetBaseSchema stores or clears the base schema fragment for a target.
// A non-empty fragment must parse as SDL.
func (s *Service) SetBaseSchema(ctx context.Context, sel schema.TargetSelector, base string) error {
	if base != "" {
		if _, err := s.helper.Object("base", "", base); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, err)
		}
	}
	return s.store.SetBaseSchema(ctx, sel, base)
}

// BaseSchema returns the stored base schema fragment for a target.
func (s *Service) BaseSchema(ctx context.Context, sel schema.TargetSelector) (string, error) {
	return s.store.BaseSchema(ctx, sel)
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PolicyStats reports rule engine counters. ok is false when no rules
// are configured.
func (s *Service) PolicyStats() (policy.MetricsSnapshot, bool) {
	s.mu.RLock()
	eng := s.policy
	s.mu.RUnlock()
	if eng == nil {
		return policy.MetricsSnapshot{}, false
	}
	return eng.GetMetrics(), true
}

// CacheStats reports composition cache counters. ok is false when
// caching is disabled.
func (s *Service) CacheStats() (map[string]interface{}, bool) {
	return s.orchestrators.CacheStats()
}

func (s *Service) consultPolicy(sel schema.TargetSelector, initial bool) policy.Decision {
	s.mu.RLock()
	eng := s.policy
	s.mu.RUnlock()
	if eng == nil {
		return policy.Decision{}
	}
	return eng.AcceptBreaking(sel, initial)
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.StartSpan(ctx, name)
}

func (s *Service) emit(event *notify.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Emit(event)
}

// beforeSet loads the stored subgraphs as schema objects.
func (s *Service) beforeSet(state *TargetState) ([]schema.Object, error) {
	if state == nil {
		return nil, nil
	}
	before := make([]schema.Object, 0, len(state.Subgraphs))
	for _, sg := range state.Subgraphs {
		obj, err := s.helper.Object(sg.Service, sg.URL, sg.SDL)
		if err != nil {
			return nil, fmt.Errorf("load stored schema for %s: %w", sg.Service, err)
		}
		before = append(before, *obj)
	}
	return before, nil
}

// incomingObject builds the schema object under validation. A delete is
// represented as an empty entry for the service.
func (s *Service) incomingObject(req PublishRequest) (*schema.Object, error) {
	if req.Action == ActionDelete {
		return &schema.Object{Service: req.Service, URL: req.URL}, nil
	}
	return s.helper.Object(req.Service, req.URL, req.SDL)
}

// withBase prepends the base schema fragment into the first element,
// mirroring what validation does before composing. Keeping the two in
// step means the supergraph stored here matches the one validated.
func (s *Service) withBase(after []schema.Object, base string) ([]schema.Object, error) {
	if base == "" || len(after) == 0 {
		return after, nil
	}
	merged, err := s.helper.Object(after[0].Service, after[0].URL, base+"\n"+after[0].Raw)
	if err != nil {
		return nil, fmt.Errorf("merge base schema: %w", err)
	}
	return append([]schema.Object{*merged}, after[1:]...), nil
}

// afterSet builds the candidate schema set: the stored set with the
// incoming service replaced, appended, or removed.
func afterSet(before []schema.Object, incoming *schema.Object, action string) []schema.Object {
	after := make([]schema.Object, 0, len(before)+1)
	replaced := false
	for _, o := range before {
		if o.Service == incoming.Service {
			if action == ActionDelete {
				continue
			}
			after = append(after, *incoming)
			replaced = true
			continue
		}
		after = append(after, o)
	}
	if action != ActionDelete && !replaced {
		after = append(after, *incoming)
	}
	return after
}

func existingObject(before []schema.Object, service string) *schema.Object {
	for i := range before {
		if before[i].Service == service {
			return &before[i]
		}
	}
	return nil
}

func externalConfig(p schema.Project) *schema.ExternalComposition {
	if !p.ExternalComposition.Enabled {
		return nil
	}
	cfg := p.ExternalComposition
	return &cfg
}

func checkRequest(req PublishRequest) error {
	if req.Selector.Organization == "" || req.Selector.Project == "" || req.Selector.Target == "" {
		return fmt.Errorf("%w: organization, project and target are required", ErrInvalidRequest)
	}
	if req.Service == "" {
		return fmt.Errorf("%w: service is required", ErrInvalidRequest)
	}
	switch req.Action {
	case ActionPublish, ActionDelete:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
	}
	if req.Action == ActionPublish && req.SDL == "" {
		return fmt.Errorf("%w: sdl is required", ErrInvalidRequest)
	}
	if !req.Project.Type.Valid() {
		return fmt.Errorf("%w: unknown project type %q", ErrInvalidRequest, req.Project.Type)
	}
	return nil
}

// targetLocks serializes publishes per target.
type targetLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *targetLocks) lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

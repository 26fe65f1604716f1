// Package validation decides whether a proposed schema revision may be
// published. The validator sequences the identity check, the
// composability check, the before/after diff and the breaking-change
// policy; composition and diffing themselves are injected capabilities.
package validation

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/schemahub/internal/schema"
)

// Orchestrator is the composition capability the validator drives. An
// implementation is selected per project type and passed per call.
type Orchestrator interface {
	// Validate returns expected composition failures as the list; the
	// error return carries faults only.
	Validate(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) ([]schema.Error, error)

	// Build composes the set. A nil Built with a nil error means the set
	// legitimately produced no schema.
	Build(ctx context.Context, schemas []schema.Object, external *schema.ExternalComposition) (*schema.Built, error)
}

// Inspector diffs two composed schemas into an ordered change list.
type Inspector interface {
	Diff(ctx context.Context, before, after *schema.Object, selector schema.TargetSelector) ([]schema.Change, error)
}

// Helper parses raw SDL into schema objects and fingerprints them.
type Helper interface {
	Object(service, url, raw string) (*schema.Object, error)
	Checksum(o *schema.Object) string
}

// Params carries one validation request. Existing is nil when the target
// has no current version of the incoming service; BaseSchema is nil when
// the target has no shared root fragment.
type Params struct {
	Selector              schema.TargetSelector
	Incoming              *schema.Object
	Existing              *schema.Object
	IsInitial             bool
	Before                []schema.Object
	After                 []schema.Object
	BaseSchema            *string
	AcceptBreakingChanges bool
	Project               schema.Project
}

// Result is the validation verdict. Valid is true exactly when Errors is
// empty; IsComposable currently mirrors Valid but is reported separately.
type Result struct {
	Valid        bool            `json:"valid"`
	IsComposable bool            `json:"isComposable"`
	Errors       []schema.Error  `json:"errors"`
	Changes      []schema.Change `json:"changes"`
}

// Validator runs the validation pipeline. It holds no per-call state and
// is safe for concurrent use; callers serialize per target when racing
// baselines matter.
type Validator struct {
	inspector Inspector
	helper    Helper
	logger    *zap.Logger
}

// New creates a validator.
func New(inspector Inspector, helper Helper, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{inspector: inspector, helper: helper, logger: logger}
}

// Validate decides whether the incoming revision may be published. All
// expected failures (composition errors, rejected breaking changes, diff
// failures) land in Result.Errors; the Go error is reserved for caller
// contract violations.
func (v *Validator) Validate(ctx context.Context, orch Orchestrator, p Params) (*Result, error) {
	if p.Incoming == nil {
		return nil, fmt.Errorf("incoming schema is required")
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}

	// A base fragment participates in composition through the first
	// element of the candidate set only; the remaining elements pass
	// through untouched.
	after := p.After
	if p.BaseSchema != nil && len(after) > 0 {
		merged, err := v.helper.Object(after[0].Service, after[0].URL, *p.BaseSchema+"\n"+after[0].Raw)
		if err != nil {
			return nil, fmt.Errorf("merge base schema: %w", err)
		}
		after = append([]schema.Object{*merged}, after[1:]...)
	}

	// Content identity is the sole short-circuit: equal checksums mean
	// nothing changed, and neither composition nor diffing runs.
	if p.Existing != nil && v.helper.Checksum(p.Existing) == v.helper.Checksum(p.Incoming) {
		return &Result{
			Valid:        true,
			IsComposable: true,
			Errors:       []schema.Error{},
			Changes:      []schema.Change{},
		}, nil
	}

	var external *schema.ExternalComposition
	if p.Project.ExternalComposition.Enabled {
		cfg := p.Project.ExternalComposition
		external = &cfg
	}

	errs := []schema.Error{}
	compositionErrs, err := orch.Validate(ctx, after, external)
	if err != nil {
		errs = append(errs, schema.Error{Message: fmt.Sprintf("Failed to validate schema composition: %s", err)})
	} else {
		errs = append(errs, compositionErrs...)
	}

	// The first schema of a target has nothing to diff against.
	if p.IsInitial {
		return finalize(errs, []schema.Change{}), nil
	}

	var beforeBuilt, afterBuilt *schema.Built
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		built, err := orch.Build(gctx, p.Before, external)
		if err != nil {
			return err
		}
		beforeBuilt = built
		return nil
	})
	g.Go(func() error {
		built, err := orch.Build(gctx, after, external)
		if err != nil {
			return err
		}
		afterBuilt = built
		return nil
	})
	buildErr := g.Wait()

	changes := []schema.Change{}
	switch {
	case buildErr != nil:
		errs = append(errs, compareFailure(buildErr))
	case beforeBuilt == nil:
		// No usable baseline: composition errors stand on their own.
	case afterBuilt == nil:
		errs = append(errs, compareFailure(fmt.Errorf("candidate schema set did not compose")))
	default:
		diffed, err := v.diff(ctx, beforeBuilt, afterBuilt, p.Selector)
		if err != nil {
			errs = append(errs, compareFailure(err))
		} else {
			changes = diffed
		}
	}

	breaking := 0
	for _, change := range changes {
		if change.Criticality != schema.Breaking {
			continue
		}
		breaking++
		if !p.AcceptBreakingChanges {
			errs = append(errs, schema.Error{
				Message: "Breaking Change: " + change.Message,
				Path:    change.Path,
			})
		}
	}
	if breaking > 0 && p.AcceptBreakingChanges {
		v.logger.Warn("Accepting breaking changes",
			zap.Int("count", breaking),
			zap.String("target", p.Selector.String()),
		)
	}

	return finalize(errs, changes), nil
}

// diff parses both built schemas back into comparable objects and runs
// the inspector over them.
func (v *Validator) diff(ctx context.Context, before, after *schema.Built, selector schema.TargetSelector) ([]schema.Change, error) {
	beforeObj, err := v.helper.Object("before", "", before.Raw)
	if err != nil {
		return nil, err
	}
	afterObj, err := v.helper.Object("after", "", after.Raw)
	if err != nil {
		return nil, err
	}
	return v.inspector.Diff(ctx, beforeObj, afterObj, selector)
}

func compareFailure(err error) schema.Error {
	return schema.Error{Message: fmt.Sprintf("Failed to compare schemas: %s", err)}
}

// finalize builds the verdict. Changes is normalized so the result
// always encodes arrays, never null.
func finalize(errs []schema.Error, changes []schema.Change) *Result {
	if changes == nil {
		changes = []schema.Change{}
	}
	valid := len(errs) == 0
	return &Result{
		Valid:        valid,
		IsComposable: valid,
		Errors:       errs,
		Changes:      changes,
	}
}

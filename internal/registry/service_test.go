package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/wudi/schemahub/internal/config"
	"github.com/wudi/schemahub/internal/inspector"
	"github.com/wudi/schemahub/internal/notify"
	"github.com/wudi/schemahub/internal/orchestrator"
	"github.com/wudi/schemahub/internal/policy"
	"github.com/wudi/schemahub/internal/schema"
	"github.com/wudi/schemahub/internal/validation"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (n *recordingNotifier) Emit(event *notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) byType(typ notify.EventType) []*notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := []*notify.Event{}
	for _, e := range n.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T, rules ...config.PolicyRuleConfig) (*Service, *recordingNotifier) {
	t.Helper()
	var eng *policy.Engine
	if len(rules) > 0 {
		var err error
		eng, err = policy.NewEngine(rules)
		if err != nil {
			t.Fatalf("policy engine: %v", err)
		}
	}
	helper := schema.NewHelper()
	notifier := &recordingNotifier{}
	svc := NewService(Options{
		Store:         NewMemoryStore(0),
		Orchestrators: orchestrator.NewSet(nil, nil),
		Validator:     validation.New(inspector.New(), helper, nil),
		Helper:        helper,
		Policy:        eng,
		Notifier:      notifier,
	})
	return svc, notifier
}

func prodSelector() schema.TargetSelector {
	return schema.TargetSelector{Organization: "acme", Project: "shop", Target: "production"}
}

func publishReq(sdl string) PublishRequest {
	return PublishRequest{
		Selector: prodSelector(),
		Service:  "users",
		URL:      "http://users.internal/graphql",
		SDL:      sdl,
	}
}

func hasError(errs []schema.Error, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestService_InitialPublish(t *testing.T) {
	svc, notifier := newTestService(t)
	ctx := context.Background()

	res, err := svc.Publish(ctx, publishReq(`type Query { users: [String] }`))
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if !res.Valid || !res.IsComposable {
		t.Fatalf("expected valid initial publish, errors: %+v", res.Errors)
	}
	if !res.Initial {
		t.Error("expected initial flag")
	}
	if res.VersionID == "" {
		t.Error("expected a version id")
	}
	if len(res.Changes) != 0 {
		t.Errorf("initial publish should carry no changes, got %+v", res.Changes)
	}

	sg, err := svc.Supergraph(ctx, prodSelector())
	if err != nil {
		t.Fatalf("Supergraph error: %v", err)
	}
	if !strings.Contains(sg, "users: [String]") {
		t.Errorf("supergraph missing published field: %q", sg)
	}

	published := notifier.byType(notify.SchemaPublished)
	if len(published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(published))
	}
	ev := published[0]
	if ev.Target != "acme/shop/production" || ev.Service != "users" {
		t.Errorf("event routing wrong: target=%q service=%q", ev.Target, ev.Service)
	}
	if ev.Data["version"] != res.VersionID {
		t.Errorf("event version = %v, want %q", ev.Data["version"], res.VersionID)
	}
}

func TestService_SafeChangePublishes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, publishReq(`type Query { users: [String] }`)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	res, err := svc.Publish(ctx, publishReq(`type Query { users: [String] me: String }`))
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid publish, errors: %+v", res.Errors)
	}
	if res.Initial {
		t.Error("second publish reported as initial")
	}
	if len(res.Changes) == 0 {
		t.Fatal("expected changes for the added field")
	}
	for _, c := range res.Changes {
		if c.Criticality != schema.Safe {
			t.Errorf("unexpected criticality %s for %q", c.Criticality, c.Message)
		}
	}

	history, err := svc.History(ctx, prodSelector(), 0)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("expected 2 versions, got %d", len(history))
	}
}

func TestService_BreakingChangeRejected(t *testing.T) {
	svc, notifier := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, publishReq(`type Query { users: [String] me: String }`)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	res, err := svc.Publish(ctx, publishReq(`type Query { users: [String] }`))
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if res.Valid {
		t.Fatal("breaking publish accepted without force")
	}
	if !hasError(res.Errors, "Breaking Change: ") {
		t.Errorf("expected prefixed breaking error, got %+v", res.Errors)
	}
	if res.VersionID != "" {
		t.Error("rejected publish must not produce a version")
	}

	history, _ := svc.History(ctx, prodSelector(), 0)
	if len(history) != 1 {
		t.Errorf("rejected publish persisted: %d versions", len(history))
	}
	if got := notifier.byType(notify.ValidationFailed); len(got) != 1 {
		t.Errorf("expected 1 validation failed event, got %d", len(got))
	}
}

func TestService_BreakingChangeForced(t *testing.T) {
	svc, notifier := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, publishReq(`type Query { users: [String] me: String }`)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	req := publishReq(`type Query { users: [String] }`)
	req.Force = true
	res, err := svc.Publish(ctx, req)
	if err != nil {
		t.Fatalf("forced publish: %v", err)
	}
	if !res.Valid {
		t.Fatalf("forced publish rejected, errors: %+v", res.Errors)
	}
	if res.PolicyRule != "" {
		t.Errorf("forced publish should not attribute a policy rule, got %q", res.PolicyRule)
	}

	accepted := notifier.byType(notify.BreakingAccepted)
	if len(accepted) != 1 {
		t.Fatalf("expected 1 breaking accepted event, got %d", len(accepted))
	}
	if accepted[0].Data["forced"] != true {
		t.Errorf("expected forced=true, got %v", accepted[0].Data["forced"])
	}
}

func TestService_PolicyAcceptsBreaking(t *testing.T) {
	svc, notifier := newTestService(t, config.PolicyRuleConfig{
		ID:         "prod-open",
		Expression: `organization == "acme"`,
	})
	ctx := context.Background()

	if _, err := svc.Publish(ctx, publishReq(`type Query { users: [String] me: String }`)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	res, err := svc.Publish(ctx, publishReq(`type Query { users: [String] }`))
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if !res.Valid {
		t.Fatalf("policy should have accepted the breaking change, errors: %+v", res.Errors)
	}
	if res.PolicyRule != "prod-open" {
		t.Errorf("policy rule = %q, want %q", res.PolicyRule, "prod-open")
	}

	accepted := notifier.byType(notify.BreakingAccepted)
	if len(accepted) != 1 {
		t.Fatalf("expected 1 breaking accepted event, got %d", len(accepted))
	}
	if accepted[0].Data["rule"] != "prod-open" {
		t.Errorf("event rule = %v, want prod-open", accepted[0].Data["rule"])
	}
}

func TestService_CheckDoesNotPersist(t *testing.T) {
	svc, notifier := newTestService(t)
	ctx := context.Background()

	res, err := svc.Check(ctx, publishReq(`type Query { users: [String] }`))
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid check, errors: %+v", res.Errors)
	}
	if res.VersionID != "" {
		t.Error("check must not mint a version")
	}

	if _, err := svc.Supergraph(ctx, prodSelector()); !errors.Is(err, ErrNotFound) {
		t.Errorf("check persisted a supergraph: err = %v", err)
	}
	notifier.mu.Lock()
	n := len(notifier.events)
	notifier.mu.Unlock()
	if n != 0 {
		t.Errorf("check emitted %d events", n)
	}
}

func TestService_CheckReportsBreaking(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, publishReq(`type Query { users: [String] me: String }`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	res, err := svc.Check(ctx, publishReq(`type Query { users: [String] }`))
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if res.Valid {
		t.Fatal("check should report the breaking change")
	}
	if !hasError(res.Errors, "Breaking Change: ") {
		t.Errorf("expected breaking error, got %+v", res.Errors)
	}

	history, _ := svc.History(ctx, prodSelector(), 0)
	if len(history) != 1 {
		t.Errorf("check persisted a version: %d", len(history))
	}
}

func TestService_IdenticalRepublishSkipsVersion(t *testing.T) {
	svc, notifier := newTestService(t)
	ctx := context.Background()
	sdl := `type Query { users: [String] }`

	first, err := svc.Publish(ctx, publishReq(sdl))
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}
	second, err := svc.Publish(ctx, publishReq(sdl))
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if !second.Valid {
		t.Fatalf("identical republish rejected, errors: %+v", second.Errors)
	}
	if second.VersionID != first.VersionID {
		t.Errorf("identical republish minted version %q, want %q", second.VersionID, first.VersionID)
	}

	history, _ := svc.History(ctx, prodSelector(), 0)
	if len(history) != 1 {
		t.Errorf("identical republish persisted: %d versions", len(history))
	}
	if got := notifier.byType(notify.SchemaPublished); len(got) != 1 {
		t.Errorf("identical republish announced: %d events", len(got))
	}
}

func TestService_DeleteService(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, publishReq(`type Query { users: [String] }`)); err != nil {
		t.Fatalf("publish users: %v", err)
	}
	orders := PublishRequest{Selector: prodSelector(), Service: "orders", SDL: `type Query { orders: [String] }`}
	if _, err := svc.Publish(ctx, orders); err != nil {
		t.Fatalf("publish orders: %v", err)
	}

	del := PublishRequest{Selector: prodSelector(), Service: "orders", Action: ActionDelete}

	// Removing a service removes its root fields, which is breaking.
	res, err := svc.Publish(ctx, del)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Valid {
		t.Fatal("delete accepted without force")
	}

	del.Force = true
	res, err = svc.Publish(ctx, del)
	if err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if !res.Valid {
		t.Fatalf("forced delete rejected, errors: %+v", res.Errors)
	}

	subgraphs, err := svc.Subgraphs(ctx, prodSelector())
	if err != nil {
		t.Fatalf("Subgraphs error: %v", err)
	}
	if len(subgraphs) != 1 || subgraphs[0].Service != "users" {
		t.Errorf("expected only users to remain, got %+v", subgraphs)
	}
	sg, _ := svc.Supergraph(ctx, prodSelector())
	if strings.Contains(sg, "orders") {
		t.Errorf("supergraph still contains deleted service: %q", sg)
	}
}

func TestService_DeleteUnknownService(t *testing.T) {
	svc, _ := newTestService(t)

	req := PublishRequest{Selector: prodSelector(), Service: "ghost", Action: ActionDelete}
	_, err := svc.Publish(context.Background(), req)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected invalid request, got %v", err)
	}
}

func TestService_ParseFailureIsInvalidResult(t *testing.T) {
	svc, notifier := newTestService(t)

	res, err := svc.Publish(context.Background(), publishReq(`type Query {`))
	if err != nil {
		t.Fatalf("unparsable SDL should not fault the pipeline: %v", err)
	}
	if res.Valid {
		t.Fatal("unparsable SDL accepted")
	}
	if !hasError(res.Errors, "Failed to parse schema") {
		t.Errorf("expected parse error message, got %+v", res.Errors)
	}
	if got := notifier.byType(notify.ValidationFailed); len(got) != 1 {
		t.Errorf("expected 1 validation failed event, got %d", len(got))
	}
}

func TestService_RequestValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  PublishRequest
	}{
		{"missing selector", PublishRequest{Service: "users", SDL: "type Query { a: String }"}},
		{"missing service", PublishRequest{Selector: prodSelector(), SDL: "type Query { a: String }"}},
		{"missing sdl", PublishRequest{Selector: prodSelector(), Service: "users"}},
		{"unknown action", PublishRequest{Selector: prodSelector(), Service: "users", SDL: "type Query { a: String }", Action: "upsert"}},
		{"unknown project type", PublishRequest{Selector: prodSelector(), Service: "users", SDL: "type Query { a: String }", Project: schema.Project{Type: "mesh"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Publish(ctx, tc.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected invalid request, got %v", err)
			}
		})
	}
}

func TestService_BaseSchemaParticipates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Without the base fragment the subgraph references an unknown type.
	res, err := svc.Publish(ctx, publishReq(`type Query { now: DateTime }`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Valid {
		t.Fatal("publish composed without the scalar definition")
	}

	if err := svc.SetBaseSchema(ctx, prodSelector(), `scalar DateTime`); err != nil {
		t.Fatalf("SetBaseSchema error: %v", err)
	}
	res, err = svc.Publish(ctx, publishReq(`type Query { now: DateTime }`))
	if err != nil {
		t.Fatalf("publish with base: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid publish with base, errors: %+v", res.Errors)
	}

	sg, err := svc.Supergraph(ctx, prodSelector())
	if err != nil {
		t.Fatalf("Supergraph error: %v", err)
	}
	if !strings.Contains(sg, "scalar DateTime") {
		t.Errorf("supergraph missing base scalar: %q", sg)
	}

	// A later revision still composes: the stored baseline gets the same
	// base treatment as the candidate.
	res, err = svc.Publish(ctx, publishReq(`type Query { now: DateTime today: DateTime }`))
	if err != nil {
		t.Fatalf("second publish with base: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid second publish, errors: %+v", res.Errors)
	}
	if hasError(res.Errors, "Failed to compare schemas") {
		t.Errorf("baseline build failed: %+v", res.Errors)
	}
}

func TestService_SetBaseSchemaRejectsBrokenSDL(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.SetBaseSchema(context.Background(), prodSelector(), `scalar`)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected invalid request, got %v", err)
	}
}

func TestService_SupergraphUnknownTarget(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Supergraph(context.Background(), prodSelector())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_ApplyConfigSwapsPolicy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, publishReq(`type Query { users: [String] me: String }`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	res, _ := svc.Publish(ctx, publishReq(`type Query { users: [String] }`))
	if res.Valid {
		t.Fatal("breaking publish accepted before policy was installed")
	}

	err := svc.ApplyConfig(&config.Config{Policy: config.PolicyConfig{Rules: []config.PolicyRuleConfig{
		{ID: "open", Expression: "true"},
	}}})
	if err != nil {
		t.Fatalf("ApplyConfig error: %v", err)
	}

	res, err = svc.Publish(ctx, publishReq(`type Query { users: [String] }`))
	if err != nil {
		t.Fatalf("publish after reload: %v", err)
	}
	if !res.Valid || res.PolicyRule != "open" {
		t.Errorf("reloaded policy not applied: valid=%v rule=%q errors=%+v", res.Valid, res.PolicyRule, res.Errors)
	}

	bad := &config.Config{Policy: config.PolicyConfig{Rules: []config.PolicyRuleConfig{
		{ID: "broken", Expression: "target =="},
	}}}
	if err := svc.ApplyConfig(bad); err == nil {
		t.Error("expected compile error for broken rule")
	}
}

func TestService_SingleProjectPublish(t *testing.T) {
	svc, _ := newTestService(t)

	req := publishReq(`type Query { a: String }`)
	req.Project.Type = schema.ProjectSingle
	res, err := svc.Publish(context.Background(), req)
	if err != nil {
		t.Fatalf("single project publish: %v", err)
	}
	if !res.Valid {
		t.Fatalf("single project publish rejected: %+v", res.Errors)
	}
}

package guard

import (
	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/internal/budget"
	"github.com/wisemanIV/strand-cost-guard/internal/config"
	"github.com/wisemanIV/strand-cost-guard/internal/metricsemit"
	"github.com/wisemanIV/strand-cost-guard/internal/policystore"
	"github.com/wisemanIV/strand-cost-guard/internal/pricing"
	"github.com/wisemanIV/strand-cost-guard/internal/routing"
	"github.com/wisemanIV/strand-cost-guard/internal/rules"
)

// Mode controls how a rejecting/halting Decision is handled, adapted
// from the teacher's policy.Mode canary machinery (SPEC_FULL.md §3
// item 1).
type Mode string

const (
	// ModeEnforce is the default: decisions are returned as computed.
	ModeEnforce Mode = "enforce"
	// ModeDryRun computes the real decision and records it in
	// Warnings, but forces Allowed=true so operators can validate new
	// policy against live traffic before enforcing it.
	ModeDryRun Mode = "dry-run"
)

type guardConfig struct {
	policy      *policystore.Store
	calc        *pricing.Calculator
	tracker     *budget.Tracker
	routingEval *routing.Evaluator
	latency     *routing.LatencySampler
	rulesEngine *rules.Engine
	rulesMode   rules.Mode
	emitter     metricsemit.Emitter
	logger      *zap.Logger
	mode        Mode
	failureMode config.FailureMode
	runIDGen    func() string
}

// Option configures a Guard at construction. See NewGuard.
type Option func(*guardConfig)

// WithPolicyStore supplies the live BudgetSpec/RoutingPolicy/
// PricingTable snapshot source. Required.
func WithPolicyStore(s *policystore.Store) Option {
	return func(c *guardConfig) { c.policy = s }
}

// WithPricingCalculator supplies the cost calculator. Required.
func WithPricingCalculator(p *pricing.Calculator) Option {
	return func(c *guardConfig) { c.calc = p }
}

// WithBudgetTracker supplies the Budget Tracker. Required.
func WithBudgetTracker(t *budget.Tracker) Option {
	return func(c *guardConfig) { c.tracker = t }
}

// WithRoutingEvaluator supplies the adaptive routing evaluator. If
// omitted, a stateless routing.New() is used.
func WithRoutingEvaluator(e *routing.Evaluator) Option {
	return func(c *guardConfig) { c.routingEval = e }
}

// WithLatencySampler smooths the avg_latency_ms signal fed into
// routing decisions from AfterModelCall's observed latency.
func WithLatencySampler(s *routing.LatencySampler) Option {
	return func(c *guardConfig) { c.latency = s }
}

// WithRulesEngine attaches the optional custom rule overlay
// (SPEC_FULL.md §3 item 2), consulted on before_model_call/
// before_tool_call. mode governs whether a Deny verdict is actually
// enforced (ModeEnforce) or only logged as a warning with the call
// allowed (any other mode; the returned Decision is then unchanged);
// this is independent of the Guard's own Mode.
func WithRulesEngine(e *rules.Engine, mode rules.Mode) Option {
	return func(c *guardConfig) { c.rulesEngine = e; c.rulesMode = mode }
}

// WithEmitter supplies the Metrics Emitter. If omitted, a
// metricsemit.Recording fake is used, which captures events in memory
// without reporting anything to a real collector.
func WithEmitter(e metricsemit.Emitter) Option {
	return func(c *guardConfig) { c.emitter = e }
}

// WithLogger supplies the *zap.Logger used throughout. If omitted,
// logging.NewNop() is used.
func WithLogger(l *zap.Logger) Option {
	return func(c *guardConfig) { c.logger = l }
}

// WithMode sets the Guard's dry-run/enforce mode. Default ModeEnforce.
func WithMode(m Mode) Option {
	return func(c *guardConfig) { c.mode = m }
}

// WithFailureMode sets the fail_open/fail_closed behavior applied when
// an internal error (not a BudgetExceeded/ConstraintViolated decision)
// occurs mid-hook. Default config.FailOpen.
func WithFailureMode(m config.FailureMode) Option {
	return func(c *guardConfig) { c.failureMode = m }
}

// WithRunIDGenerator overrides how OnRunStart synthesizes a run_id when
// the host doesn't supply one. Default uuid.New().String. Tests use
// this to get deterministic IDs.
func WithRunIDGenerator(f func() string) Option {
	return func(c *guardConfig) { c.runIDGen = f }
}

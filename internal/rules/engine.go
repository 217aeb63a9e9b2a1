// Package rules implements the optional custom rule overlay: a small
// OPA-backed engine the Guard consults during before_tool_call and
// before_model_call for deny/require-approval rules that fall outside
// budget/routing arithmetic (SPEC_FULL.md §3 item 2). It is disabled by
// default and never required for budget/routing correctness.
package rules

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/internal/obsmetrics"
)

// Mode controls how overlay verdicts affect the Guard's decision,
// mirroring the host's canary Mode machinery.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeDryRun  Mode = "dry-run"
	ModeEnforce Mode = "enforce"
)

// Input is what the overlay evaluates against. Field names match the
// rego packages' expected input document.
type Input struct {
	TenantID   string            `json:"tenant_id"`
	StrandID   string            `json:"strand_id"`
	WorkflowID string            `json:"workflow_id"`
	Operation  string            `json:"operation"` // "model_call" | "tool_call"
	ToolName   string            `json:"tool_name,omitempty"`
	Model      string            `json:"model,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Verdict is the overlay's answer for one Input.
type Verdict struct {
	Deny             bool
	RequireApproval  bool
	Reason           string
}

// Engine loads .rego policies from a directory and evaluates them with a
// small LRU decision cache, the way the host orchestrator's OPAEngine
// avoids re-compiling/re-evaluating rego for repeated identical inputs.
type Engine struct {
	mu       sync.RWMutex
	query    rego.PreparedEvalQuery
	compiled bool
	dir      string
	mode     Mode
	logger   *zap.Logger
	cache    *decisionCache
}

// New compiles every .rego file under dir into a single query package
// "guard.rules", entrypoint "deny"/"require_approval"/"reason". An empty
// dir yields an Engine that always allows (equivalent to ModeOff).
func New(ctx context.Context, dir string, mode Mode, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{mode: mode, dir: dir, logger: logger, cache: newDecisionCache(1024, time.Minute)}
	if dir == "" || mode == ModeOff {
		return e, nil
	}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// ReloadHandler adapts Reload to the func() error shape
// internal/config.ConfigManager.RegisterPolicyHandler expects, so a
// ConfigManager watching .rego files can drive this engine's hot reload
// directly instead of duplicating a second file-watch loop here.
func (e *Engine) ReloadHandler(ctx context.Context) func() error {
	return func() error { return e.Reload(ctx) }
}

// Reload recompiles the engine's rego directory and atomically swaps in
// the new query, clearing the decision cache.
func (e *Engine) Reload(ctx context.Context) error {
	if e.dir == "" || e.mode == ModeOff {
		return nil
	}

	modules, err := loadModules(e.dir)
	if err != nil {
		return fmt.Errorf("load rego modules: %w", err)
	}
	if len(modules) == 0 {
		e.mu.Lock()
		e.compiled = false
		e.mu.Unlock()
		return nil
	}

	opts := []func(*rego.Rego){
		rego.Query("data.guard.rules"),
	}
	for name, contents := range modules {
		opts = append(opts, rego.Module(name, contents))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare rego query: %w", err)
	}

	e.mu.Lock()
	e.query = prepared
	e.compiled = true
	e.mu.Unlock()
	e.cache.clear()
	e.logger.Info("rule overlay reloaded", zap.String("dir", e.dir), zap.Int("modules", len(modules)))
	return nil
}

func loadModules(dir string) (map[string]string, error) {
	modules := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		modules[path] = string(data)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return modules, nil
}

// Evaluate returns the overlay's Verdict for in. In ModeOff, or with no
// rules loaded, it always allows. In ModeDryRun, the real verdict is
// computed and returned unchanged for the caller to log, but callers are
// expected to not enforce Deny in that mode (the Guard does this, not
// this package).
func (e *Engine) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	if e.mode == ModeOff {
		return Verdict{}, nil
	}

	key := cacheKey(in)
	if v, ok := e.cache.get(key); ok {
		obsmetrics.RulesCacheHits.Inc()
		return v, nil
	}
	obsmetrics.RulesCacheMisses.Inc()

	e.mu.RLock()
	query := e.query
	compiled := e.compiled
	e.mu.RUnlock()

	if !compiled {
		// no rules loaded, allow by default.
		return Verdict{}, nil
	}

	rs, err := query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Verdict{}, fmt.Errorf("rego eval: %w", err)
	}

	v := verdictFromResultSet(rs)
	e.cache.put(key, v)
	return v, nil
}

func verdictFromResultSet(rs rego.ResultSet) Verdict {
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Verdict{}
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Verdict{}
	}
	v := Verdict{}
	if deny, ok := doc["deny"].(bool); ok {
		v.Deny = deny
	}
	if approval, ok := doc["require_approval"].(bool); ok {
		v.RequireApproval = approval
	}
	if reason, ok := doc["reason"].(string); ok {
		v.Reason = reason
	}
	return v
}

func cacheKey(in Input) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", in.TenantID, in.StrandID, in.WorkflowID, in.Operation, in.ToolName, in.Model)
}

// decisionCache is a small TTL-bounded LRU, adapted from the host
// orchestrator's policy decision cache.
type decisionCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List
}

type cacheItem struct {
	key       string
	verdict   Verdict
	expiresAt time.Time
}

func (c *decisionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
}

func newDecisionCache(capacity int, ttl time.Duration) *decisionCache {
	return &decisionCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *decisionCache) get(key string) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Verdict{}, false
	}
	item := el.Value.(*cacheItem)
	if time.Now().After(item.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return Verdict{}, false
	}
	c.order.MoveToFront(el)
	return item.verdict, true
}

func (c *decisionCache) put(key string, v Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).verdict = v
		el.Value.(*cacheItem).expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	item := &cacheItem{key: key, verdict: v, expiresAt: time.Now().Add(c.ttl)}
	el := c.order.PushFront(item)
	c.items[key] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheItem).key)
		}
	}
}

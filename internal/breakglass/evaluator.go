// Package breakglass implements the operator-maintained local override
// rules described in §10.1: a small list of CEL expressions evaluated
// against a session's current statement before the rule engine is
// consulted, letting an operator force-allow or force-deny a pattern
// without waiting for a policy-bundle round trip through the control
// plane.
package breakglass

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Guard limits adapted from the teacher's internal/adapter/outbound/cel
// evaluator: an operator-maintained rule file is still untrusted input,
// so the same expression-length/nesting/cost/timeout bounds apply here.
const (
	maxExpressionLength = 1024
	maxCostBudget       = 100_000
	maxNestingDepth     = 50
	evalTimeout         = 5 * time.Second
	interruptCheckFreq  = 100
)

// Effect is the action a matching rule takes.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule is one operator-authored override, loaded from the YAML file named
// by config.BreakGlassConfig.RulesFile.
type Rule struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"cel_expression"`
	Effect     Effect `yaml:"effect"`
	Priority   int    `yaml:"priority"`
}

// rulesDocument is the on-disk shape of the rules file: a bare list under
// a "rules" key, matching the teacher pack's convention of naming the top
// level key after the collection it holds.
type rulesDocument struct {
	Rules []Rule `yaml:"rules"`
}

// compiledRule pairs a Rule with its compiled CEL program.
type compiledRule struct {
	Rule
	program cel.Program
}

// Evaluator holds the compiled rule set, ordered by descending priority —
// the first matching rule wins. It satisfies internal/service.BreakGlassEvaluator.
// rulesFile is retained so Reload can re-read the same path a SIGHUP was
// received for.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	rules []compiledRule

	rulesFile string
}

// Load reads path, compiles every rule, and returns an Evaluator sorted by
// priority (highest first). An empty path is not an error — it returns a
// disabled Evaluator with no rules, so callers need not special-case
// config.BreakGlassConfig.Enabled == false separately from "no rules
// matched".
func Load(path string) (*Evaluator, error) {
	env, err := newEnvironment()
	if err != nil {
		return nil, fmt.Errorf("breakglass: build CEL environment: %w", err)
	}
	e := &Evaluator{env: env, rulesFile: path}
	if path == "" {
		return e, nil
	}

	rules, err := loadRules(env, path)
	if err != nil {
		return nil, err
	}
	e.rules = rules
	return e, nil
}

func loadRules(env *cel.Env, path string) ([]compiledRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("breakglass: read rules file %q: %w", path, err)
	}
	var doc rulesDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("breakglass: parse rules file %q: %w", path, err)
	}

	rules := make([]compiledRule, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		compiled, err := compileRule(env, r)
		if err != nil {
			return nil, fmt.Errorf("breakglass: rule %q: %w", r.Name, err)
		}
		rules = append(rules, compiled)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return rules, nil
}

// Reload re-reads the rules file this Evaluator was constructed with and
// atomically swaps in the newly compiled rule set, leaving in-flight
// Evaluate calls against the previous set unaffected. It is a no-op when
// the Evaluator was built with an empty path.
func (e *Evaluator) Reload() error {
	if e.rulesFile == "" {
		return nil
	}
	rules, err := loadRules(e.env, e.rulesFile)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// newEnvironment declares exactly the four attributes break-glass rules
// may reference (§3): the caller's groups, the connected database, the
// statement kind under evaluation, and its target table (empty for a
// plain SELECT with no single target).
func newEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("groups", cel.ListType(cel.StringType)),
		cel.Variable("connected_db", cel.StringType),
		cel.Variable("statement_kind", cel.StringType),
		cel.Variable("target_table", cel.StringType),
	)
}

func compileRule(env *cel.Env, r Rule) (compiledRule, error) {
	if err := validateExpression(r.Expression); err != nil {
		return compiledRule{}, err
	}
	if r.Effect != EffectAllow && r.Effect != EffectDeny {
		return compiledRule{}, fmt.Errorf("effect must be %q or %q, got %q", EffectAllow, EffectDeny, r.Effect)
	}

	ast, issues := env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return compiledRule{}, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return compiledRule{}, fmt.Errorf("build program: %w", err)
	}
	return compiledRule{Rule: r, program: prg}, nil
}

func validateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Attributes is the activation map evaluated against every compiled rule.
type Attributes struct {
	Groups        []string
	ConnectedDB   string
	StatementKind string
	TargetTable   string
}

// Evaluate runs the rule set in priority order and returns the first
// match. matched is false when no rule fired, telling the caller to fall
// through to the ordinary rule-engine-driven decision.
func (e *Evaluator) Evaluate(attrs map[string]any) (allow bool, matched bool) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	for _, r := range rules {
		ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
		result, _, err := r.program.ContextEval(ctx, attrs)
		cancel()
		if err != nil {
			continue
		}
		fired, ok := result.Value().(bool)
		if !ok || !fired {
			continue
		}
		return r.Effect == EffectAllow, true
	}
	return false, false
}

// AttributesMap converts Attributes into the activation map Evaluate
// expects, keeping the map-building concern out of internal/service.
func AttributesMap(a Attributes) map[string]any {
	groups := a.Groups
	if groups == nil {
		groups = []string{}
	}
	return map[string]any{
		"groups":         groups,
		"connected_db":   a.ConnectedDB,
		"statement_kind": a.StatementKind,
		"target_table":   a.TargetTable,
	}
}

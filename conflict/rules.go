package conflict

import (
	"fmt"
	"path"
	"sync"
)

// Rule maps a document path pattern to a strategy.
// Pattern uses path.Match syntax, e.g. "users/*".
type Rule struct {
	Name     string
	Pattern  string
	Strategy Strategy
}

// RuleSet picks a strategy per document path. Rules are evaluated in
// insertion order with first-match-wins semantics. Safe for concurrent use.
type RuleSet struct {
	mu       sync.RWMutex
	rules    []Rule
	fallback Strategy
}

// NewRuleSet creates a rule set. An empty fallback means ClientWins.
func NewRuleSet(fallback Strategy, rules ...Rule) (*RuleSet, error) {
	rs := &RuleSet{}
	if err := rs.Replace(fallback, rules); err != nil {
		return nil, err
	}
	return rs, nil
}

// Replace swaps the rules atomically after validating them.
func (rs *RuleSet) Replace(fallback Strategy, rules []Rule) error {
	if fallback == "" {
		fallback = ClientWins
	}
	if !fallback.Valid() {
		return fmt.Errorf("invalid fallback strategy: %q", fallback)
	}
	for _, r := range rules {
		if !r.Strategy.Valid() {
			return fmt.Errorf("rule %s: invalid strategy %q", r.Name, r.Strategy)
		}
		if _, err := path.Match(r.Pattern, ""); err != nil {
			return fmt.Errorf("rule %s: bad pattern %q: %w", r.Name, r.Pattern, err)
		}
	}

	copied := make([]Rule, len(rules))
	copy(copied, rules)

	rs.mu.Lock()
	rs.rules = copied
	rs.fallback = fallback
	rs.mu.Unlock()
	return nil
}

// StrategyFor returns the strategy of the first rule matching docPath,
// or the fallback when none matches.
func (rs *RuleSet) StrategyFor(docPath string) Strategy {
	if rs == nil {
		return ClientWins
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	for _, r := range rs.rules {
		if ok, _ := path.Match(r.Pattern, docPath); ok {
			return r.Strategy
		}
	}
	return rs.fallback
}

// Rules returns a copy of the current rules.
func (rs *RuleSet) Rules() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

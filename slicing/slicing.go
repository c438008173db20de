// Package slicing defines the rule language that maps parameter paths to
// sharding decisions.
//
// A Config is an ordered list of Rules. Each rule pairs a regular expression
// over parameter paths (the "/"-separated paths produced by module tree
// iteration, e.g. "/3/weights") with an Action saying how the matched
// parameter is cut across devices and a Combine op saying how per-device
// results are reassembled. The first matching rule wins; parameters no rule
// matches fall to the Config's DefaultPolicy.
//
// Configs are plain data: they can be built in code with the rule
// constructors (ColumnParallel, RowParallel, Replicated, CustomRule) or
// loaded from JSON. Rules with custom splitter functions cannot be
// serialized.
package slicing

import (
	"fmt"
	"regexp"

	"github.com/goccy/go-json"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// Action says how a matched parameter is distributed across the devices.
//
// The zero value is Replicate.
type Action int

const (
	// Replicate copies the full parameter to every device.
	Replicate Action = iota

	// SplitAxis0 gives each device an equal slice of the parameter along its
	// first axis. For a linear layer's weights this is the row-parallel
	// layout; for an embedding table it is the vocabulary-parallel layout.
	SplitAxis0

	// SplitAxis1 gives each device an equal slice of the parameter along its
	// second axis. For a linear layer's weights this is the column-parallel
	// layout; for an embedding table it is the dimension-parallel layout.
	SplitAxis1

	// Custom delegates the cut to the rule's Splitter and the reassembly to
	// its Combiner.
	Custom
)

// Axis returns the tensor axis the action splits, or -1 if it doesn't split
// one (Replicate, Custom).
func (a Action) Axis() int {
	switch a {
	case SplitAxis0:
		return 0
	case SplitAxis1:
		return 1
	default:
		return -1
	}
}

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case Replicate:
		return "replicate"
	case SplitAxis0:
		return "axis0"
	case SplitAxis1:
		return "axis1"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// CombineOp says how the per-device results of a split parameter's local
// computation are reassembled into the full result.
//
// The zero value is CombineIdentity.
type CombineOp int

const (
	// CombineIdentity performs no combination: the local result is already
	// the full result. Only valid with Replicate and Custom.
	CombineIdentity CombineOp = iota

	// CombineSum sums the per-device results element-wise (an all-reduce).
	CombineSum

	// CombineConcat concatenates the per-device results along the split axis
	// (an all-gather).
	CombineConcat
)

// String implements fmt.Stringer.
func (c CombineOp) String() string {
	switch c {
	case CombineIdentity:
		return "identity"
	case CombineSum:
		return "sum"
	case CombineConcat:
		return "concat"
	default:
		return fmt.Sprintf("CombineOp(%d)", int(c))
	}
}

// DefaultPolicy says what happens to parameters no rule matches.
//
// The zero value is DefaultReplicate.
type DefaultPolicy int

const (
	// DefaultReplicate copies unmatched parameters whole to every device.
	DefaultReplicate DefaultPolicy = iota

	// DefaultShard hands unmatched parameters to the ZeRO-3 sharder: each
	// device stores a contiguous slice of the flattened parameter and the
	// full tensor is materialized only around its use.
	DefaultShard
)

// String implements fmt.Stringer.
func (d DefaultPolicy) String() string {
	switch d {
	case DefaultReplicate:
		return "replicate"
	case DefaultShard:
		return "shard"
	default:
		return fmt.Sprintf("DefaultPolicy(%d)", int(d))
	}
}

// Padding says what happens when a split axis is not divisible by the world
// size.
//
// The zero value is PadDisabled.
type Padding int

const (
	// PadDisabled rejects non-divisible splits with a Shape error naming the
	// parameter.
	PadDisabled Padding = iota

	// PadDeterministic right-pads the split axis with zeros up to the next
	// multiple of the world size. The original dimension is recorded and the
	// padding is stripped whenever the full parameter is reassembled, so
	// wrapping remains exactly reversible.
	PadDeterministic
)

// String implements fmt.Stringer.
func (p Padding) String() string {
	switch p {
	case PadDisabled:
		return "disabled"
	case PadDeterministic:
		return "deterministic"
	default:
		return fmt.Sprintf("Padding(%d)", int(p))
	}
}

// Splitter cuts a full parameter into worldSize shards, one per rank in rank
// order, for a Custom rule.
type Splitter func(full *tensors.Tensor, worldSize int) ([]*tensors.Tensor, error)

// Combiner reassembles the shards produced by the matching Splitter back into
// the full parameter.
type Combiner func(shards []*tensors.Tensor) (*tensors.Tensor, error)

// Rule maps parameter paths matching Pattern to a sharding decision.
type Rule struct {
	// Pattern is a regular expression matched (unanchored) against the
	// parameter path. Anchor with ^...$ to match a single parameter exactly.
	Pattern string `json:"pattern"`

	// Action says how matched parameters are cut.
	Action Action `json:"action"`

	// Combine says how per-device results are reassembled.
	Combine CombineOp `json:"combine"`

	// Splitter and Combiner implement Custom rules. They are not
	// serializable: marshaling a Custom rule fails.
	Splitter Splitter `json:"-"`
	Combiner Combiner `json:"-"`

	re *regexp.Regexp
}

// ColumnParallel returns the rule that splits matched parameters along axis 1
// and reassembles by concatenation. For linear weights this shards the output
// features.
func ColumnParallel(pattern string) Rule {
	return Rule{Pattern: pattern, Action: SplitAxis1, Combine: CombineConcat}
}

// RowParallel returns the rule that splits matched parameters along axis 0
// and reassembles by summation. For linear weights this shards the input
// features and each device produces a partial product.
func RowParallel(pattern string) Rule {
	return Rule{Pattern: pattern, Action: SplitAxis0, Combine: CombineSum}
}

// Replicated returns the rule that copies matched parameters to every device.
func Replicated(pattern string) Rule {
	return Rule{Pattern: pattern, Action: Replicate, Combine: CombineIdentity}
}

// CustomRule returns a rule that cuts matched parameters with splitter and
// reassembles them with combiner.
func CustomRule(pattern string, splitter Splitter, combiner Combiner) Rule {
	return Rule{Pattern: pattern, Action: Custom, Splitter: splitter, Combiner: combiner}
}

// Matches reports whether the rule's pattern matches the path. It requires
// the owning Config to have been validated.
func (r *Rule) Matches(path string) bool {
	if r.re == nil {
		exceptions.Panicf("slicing.Rule.Matches called on rule %q before Config.Validate", r.Pattern)
	}
	return r.re.MatchString(path)
}

// String implements fmt.Stringer.
func (r Rule) String() string {
	return fmt.Sprintf("Rule(%q -> %s/%s)", r.Pattern, r.Action, r.Combine)
}

// MarshalJSON implements json.Marshaler. Custom rules are rejected: their
// splitter functions have no serial form.
func (r Rule) MarshalJSON() ([]byte, error) {
	if r.Action == Custom {
		return nil, tperr.Configf("rule %q uses a custom splitter and cannot be serialized", r.Pattern)
	}
	type plain struct {
		Pattern string    `json:"pattern"`
		Action  Action    `json:"action"`
		Combine CombineOp `json:"combine"`
	}
	return json.Marshal(plain{Pattern: r.Pattern, Action: r.Action, Combine: r.Combine})
}

// Config is an ordered rule set plus the policies for unmatched parameters
// and for non-divisible splits. The first rule whose pattern matches a
// parameter path decides that parameter; order matters.
//
// Call Validate before Resolve.
type Config struct {
	Rules   []Rule        `json:"rules"`
	Default DefaultPolicy `json:"default"`
	Padding Padding       `json:"padding,omitempty"`

	validated bool
}

// NewConfig creates a Config with the given rules and the zero policies
// (replicate unmatched parameters, fail on non-divisible splits).
func NewConfig(rules ...Rule) *Config {
	return &Config{Rules: rules}
}

// WithDefault sets the policy for unmatched parameters and returns the config.
func (c *Config) WithDefault(policy DefaultPolicy) *Config {
	c.Default = policy
	return c
}

// WithPadding sets the policy for non-divisible splits and returns the config.
func (c *Config) WithPadding(padding Padding) *Config {
	c.Padding = padding
	return c
}

// Validate compiles the rule patterns and checks the rule set for
// consistency. It returns a Config error on: an invalid regular expression, an
// Action/Combine pair that cannot reassemble (a split without sum or concat,
// a replicate with a combine op), a Custom rule missing its Splitter or
// Combiner, or two rules with the same pattern and different decisions (the
// second would be silently dead).
//
// Validate is idempotent and must be called before Resolve.
func (c *Config) Validate() error {
	seen := make(map[string]int, len(c.Rules))
	for i := range c.Rules {
		rule := &c.Rules[i]
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return tperr.Configf("rule #%d has an invalid pattern %q: %v", i, rule.Pattern, err)
		}
		rule.re = re
		if err := rule.validateCombination(i); err != nil {
			return err
		}
		if previous, found := seen[rule.Pattern]; found {
			other := c.Rules[previous]
			if other.Action != rule.Action || other.Combine != rule.Combine {
				return tperr.Configf("rules #%d and #%d have the same pattern %q but different decisions "+
					"(%s/%s vs %s/%s): the second can never apply",
					previous, i, rule.Pattern, other.Action, other.Combine, rule.Action, rule.Combine)
			}
		} else {
			seen[rule.Pattern] = i
		}
	}
	c.validated = true
	return nil
}

func (r *Rule) validateCombination(index int) error {
	switch r.Action {
	case Replicate:
		if r.Combine != CombineIdentity {
			return tperr.Configf("rule #%d %s: a replicated parameter has nothing to combine, use identity",
				index, r)
		}
	case SplitAxis0, SplitAxis1:
		if r.Combine != CombineSum && r.Combine != CombineConcat {
			return tperr.Configf("rule #%d %s: a split parameter must be reassembled with sum or concat",
				index, r)
		}
	case Custom:
		if r.Splitter == nil || r.Combiner == nil {
			return tperr.Configf("rule #%d %s: custom rules need both a Splitter and a Combiner",
				index, r)
		}
		if r.Combine != CombineIdentity {
			return tperr.Configf("rule #%d %s: custom rules reassemble through their Combiner, use identity",
				index, r)
		}
	default:
		return tperr.Configf("rule #%d has an unknown action %d", index, int(r.Action))
	}
	return nil
}

// Resolve returns the first rule matching the parameter path, or false if no
// rule matches and the DefaultPolicy applies. Resolution is deterministic:
// every rank resolves the same path to the same rule.
//
// It panics if the config was not validated.
func (c *Config) Resolve(path string) (*Rule, bool) {
	if !c.validated {
		exceptions.Panicf("slicing.Config.Resolve(%q) called before Validate", path)
	}
	for i := range c.Rules {
		if c.Rules[i].Matches(path) {
			return &c.Rules[i], true
		}
	}
	return nil, false
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("Config(%d rules, default=%s, padding=%s)", len(c.Rules), c.Default, c.Padding)
}

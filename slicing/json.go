package slicing

import (
	"github.com/goccy/go-json"
	"github.com/gomlx/tensorparallel/tperr"
)

// Enum values travel as strings in JSON so rule sets stay hand-editable.

// MarshalJSON implements json.Marshaler.
func (a Action) MarshalJSON() ([]byte, error) {
	switch a {
	case Replicate, SplitAxis0, SplitAxis1, Custom:
		return json.Marshal(a.String())
	default:
		return nil, tperr.Configf("unknown action %d cannot be serialized", int(a))
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Action) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return tperr.Wrapf(tperr.Config, err, "action must be a string")
	}
	switch name {
	case "replicate":
		*a = Replicate
	case "axis0":
		*a = SplitAxis0
	case "axis1":
		*a = SplitAxis1
	case "custom":
		*a = Custom
	default:
		return tperr.Configf("unknown action %q: want one of replicate, axis0, axis1, custom", name)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c CombineOp) MarshalJSON() ([]byte, error) {
	switch c {
	case CombineIdentity, CombineSum, CombineConcat:
		return json.Marshal(c.String())
	default:
		return nil, tperr.Configf("unknown combine op %d cannot be serialized", int(c))
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *CombineOp) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return tperr.Wrapf(tperr.Config, err, "combine op must be a string")
	}
	switch name {
	case "identity":
		*c = CombineIdentity
	case "sum":
		*c = CombineSum
	case "concat":
		*c = CombineConcat
	default:
		return tperr.Configf("unknown combine op %q: want one of identity, sum, concat", name)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d DefaultPolicy) MarshalJSON() ([]byte, error) {
	switch d {
	case DefaultReplicate, DefaultShard:
		return json.Marshal(d.String())
	default:
		return nil, tperr.Configf("unknown default policy %d cannot be serialized", int(d))
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *DefaultPolicy) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return tperr.Wrapf(tperr.Config, err, "default policy must be a string")
	}
	switch name {
	case "replicate":
		*d = DefaultReplicate
	case "shard":
		*d = DefaultShard
	default:
		return tperr.Configf("unknown default policy %q: want replicate or shard", name)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Padding) MarshalJSON() ([]byte, error) {
	switch p {
	case PadDisabled, PadDeterministic:
		return json.Marshal(p.String())
	default:
		return nil, tperr.Configf("unknown padding policy %d cannot be serialized", int(p))
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Padding) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return tperr.Wrapf(tperr.Config, err, "padding policy must be a string")
	}
	switch name {
	case "disabled":
		*p = PadDisabled
	case "deterministic":
		*p = PadDeterministic
	default:
		return tperr.Configf("unknown padding policy %q: want disabled or deterministic", name)
	}
	return nil
}

// FromJSON parses and validates a Config from its JSON form.
func FromJSON(data []byte) (*Config, error) {
	config := &Config{}
	if err := json.Unmarshal(data, config); err != nil {
		if tperr.IsKind(err, tperr.Config) {
			return nil, err
		}
		return nil, tperr.Wrapf(tperr.Config, err, "parsing slicing config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ToJSON serializes the Config. It fails with a Config error if any rule uses
// a custom splitter.
func (c *Config) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		if tperr.IsKind(err, tperr.Config) {
			return nil, err
		}
		return nil, tperr.Wrapf(tperr.Config, err, "serializing slicing config")
	}
	return data, nil
}

// Package devices defines the device identifiers and the device plan that
// describe where a wrapped model executes.
//
// A device is identified by an ID of the form "kind:ordinal", e.g. "cpu:0" or
// "cuda:1". The engine doesn't interpret the kind; it only requires IDs to be
// well-formed and unique within a plan. A Plan is the ordered list of devices
// participating in a tensor-parallel execution: the position of a device in
// the plan is its rank, and the plan also designates the output device, the
// one whose rank returns user-visible results.
package devices

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/xslices"
)

// ID identifies a single logical device, in the form "kind:ordinal".
// Examples: "cpu:0", "cuda:1".
type ID string

// MakeID returns the ID for the given device kind and ordinal.
func MakeID(kind string, ordinal int) ID {
	return ID(kind + ":" + strconv.Itoa(ordinal))
}

// Parse splits the ID into its kind and ordinal.
// It returns a Config error if the ID is malformed.
func (id ID) Parse() (kind string, ordinal int, err error) {
	kindStr, ordinalStr, found := strings.Cut(string(id), ":")
	if !found {
		return "", 0, tperr.Configf("device ID %q is not in the form \"kind:ordinal\"", id)
	}
	if !isKindValid(kindStr) {
		return "", 0, tperr.Configf("device ID %q has an invalid kind %q: it must start with a letter, "+
			"followed only by letters, digits or underscores", id, kindStr)
	}
	ordinal, convErr := strconv.Atoi(ordinalStr)
	if convErr != nil || ordinal < 0 {
		return "", 0, tperr.Configf("device ID %q has an invalid ordinal %q: it must be a non-negative integer",
			id, ordinalStr)
	}
	return kindStr, ordinal, nil
}

// Kind returns the device kind ("cpu" of "cpu:0"), or "" for a malformed ID.
func (id ID) Kind() string {
	kind, _, err := id.Parse()
	if err != nil {
		return ""
	}
	return kind
}

// Validate returns a Config error if the ID is malformed.
func (id ID) Validate() error {
	_, _, err := id.Parse()
	return err
}

func isKindValid(kind string) bool {
	if kind == "" {
		return false
	}
	if kind[0] >= '0' && kind[0] <= '9' {
		return false
	}
	for _, r := range kind {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// Plan is the ordered list of devices participating in a tensor-parallel
// execution, plus the output device. The position of a device in the list is
// its rank. A Plan is immutable after creation.
type Plan struct {
	devices []ID
	output  ID
	rankOf  map[ID]int
}

// NewPlan creates a Plan over the given devices, with the first device as the
// output device. It returns a Config error if the list is empty, any ID is
// malformed or a device appears twice.
func NewPlan(deviceIDs ...ID) (*Plan, error) {
	if len(deviceIDs) == 0 {
		return nil, tperr.Configf("device plan cannot be empty")
	}
	return NewPlanWithOutput(deviceIDs[0], deviceIDs...)
}

// NewPlanWithOutput creates a Plan over the given devices with an explicit
// output device, which must be one of the devices. It returns a Config error
// if the list is empty, any ID is malformed, a device appears twice or the
// output device is not in the list.
func NewPlanWithOutput(output ID, deviceIDs ...ID) (*Plan, error) {
	if len(deviceIDs) == 0 {
		return nil, tperr.Configf("device plan cannot be empty")
	}
	rankOf := make(map[ID]int, len(deviceIDs))
	for rank, id := range deviceIDs {
		if err := id.Validate(); err != nil {
			return nil, err
		}
		if previous, found := rankOf[id]; found {
			return nil, tperr.Configf("device %q appears twice in the plan, at ranks %d and %d",
				id, previous, rank)
		}
		rankOf[id] = rank
	}
	if _, found := rankOf[output]; !found {
		return nil, tperr.Configf("output device %q is not one of the plan's devices %v", output, deviceIDs)
	}
	return &Plan{
		devices: xslices.Copy(deviceIDs),
		output:  output,
		rankOf:  rankOf,
	}, nil
}

// Default returns a plan of logical CPU devices for same-process execution:
// one device per available processor, capped at 8, with "cpu:0" as the output
// device.
func Default() *Plan {
	world := runtime.GOMAXPROCS(0)
	if world > 8 {
		world = 8
	}
	if world < 1 {
		world = 1
	}
	ids := make([]ID, world)
	for i := range ids {
		ids[i] = MakeID("cpu", i)
	}
	plan, err := NewPlan(ids...)
	if err != nil {
		// NewPlan cannot fail on the IDs built above.
		panic(err)
	}
	return plan
}

// Devices returns a copy of the ordered device list.
func (p *Plan) Devices() []ID {
	return xslices.Copy(p.devices)
}

// Device returns the device at the given rank.
// Like slice indexing, it panics for an out-of-range rank.
func (p *Plan) Device(rank int) ID {
	return p.devices[rank]
}

// OutputDevice returns the device that owns user-visible results.
func (p *Plan) OutputDevice() ID {
	return p.output
}

// OutputRank returns the rank of the output device.
func (p *Plan) OutputRank() int {
	return p.rankOf[p.output]
}

// WorldSize returns the number of participating devices.
func (p *Plan) WorldSize() int {
	return len(p.devices)
}

// Rank returns the rank of the given device and whether it is in the plan.
func (p *Plan) Rank(id ID) (int, bool) {
	rank, found := p.rankOf[id]
	return rank, found
}

// Equal reports whether both plans list the same devices in the same order
// with the same output device.
func (p *Plan) Equal(other *Plan) bool {
	if p.WorldSize() != other.WorldSize() || p.output != other.output {
		return false
	}
	for i, id := range p.devices {
		if other.devices[i] != id {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer. The result is also used as the plan
// fingerprint exchanged in the process-group handshake, so two plans with the
// same String are interchangeable.
func (p *Plan) String() string {
	var sb strings.Builder
	sb.WriteString("Plan(devices=[")
	for i, id := range p.devices {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(string(id))
	}
	sb.WriteString("], output=")
	sb.WriteString(string(p.output))
	sb.WriteString(")")
	return sb.String()
}

package cluster

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Role string

const (
	ParameterHolder Role = "parameter-holder"
	Trainer         Role = "trainer"
	Evaluator       Role = "evaluator"
)

// Roles in launch order.
var Roles = []Role{ParameterHolder, Trainer, Evaluator}

var ErrInvalidTopology = errors.New("invalid cluster topology")

var validate *validator.Validate

func init() {
	validate = validator.New()
}

func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidTopology, s)
}

// Topology lists the network addresses of every process per role.
type Topology struct {
	ParameterHolders []string `yaml:"parameter-holder" validate:"len=1,dive,hostname_port"`
	Trainers         []string `yaml:"trainer" validate:"min=1,dive,hostname_port"`
	Evaluators       []string `yaml:"evaluator" validate:"dive,hostname_port"`
}

// Spec identifies one process of the topology.
type Spec struct {
	Role    Role
	Index   int
	Address string
}

func (s Spec) String() string {
	return fmt.Sprintf("%s/%d@%s", s.Role, s.Index, s.Address)
}

func (t Topology) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	seen := make(map[string]Spec)
	for _, s := range t.Specs() {
		if prev, ok := seen[s.Address]; ok {
			return fmt.Errorf("%w: %s and %s share an address", ErrInvalidTopology, prev, s)
		}
		seen[s.Address] = s
	}
	return nil
}

func (t Topology) addresses(role Role) []string {
	switch role {
	case ParameterHolder:
		return t.ParameterHolders
	case Trainer:
		return t.Trainers
	case Evaluator:
		return t.Evaluators
	default:
		return nil
	}
}

// Specs lists every process: the holder first, then trainers, then evaluators.
func (t Topology) Specs() []Spec {
	var specs []Spec
	for _, role := range Roles {
		for i, addr := range t.addresses(role) {
			specs = append(specs, Spec{Role: role, Index: i, Address: addr})
		}
	}
	return specs
}

func (t Topology) Addresses() []string {
	specs := t.Specs()
	addrs := make([]string, len(specs))
	for i, s := range specs {
		addrs[i] = s.Address
	}
	return addrs
}

func (t Topology) Holder() Spec {
	if len(t.ParameterHolders) == 0 {
		return Spec{Role: ParameterHolder}
	}
	return Spec{Role: ParameterHolder, Address: t.ParameterHolders[0]}
}

func (t Topology) Lookup(role Role, index int) (Spec, error) {
	addrs := t.addresses(role)
	if index < 0 || index >= len(addrs) {
		return Spec{}, fmt.Errorf("%w: no %s with index %d", ErrInvalidTopology, role, index)
	}
	return Spec{Role: role, Index: index, Address: addrs[index]}, nil
}

func Decode(data []byte) (Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Topology{}, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	return t, t.Validate()
}

func Load(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("read topology: %w", err)
	}
	return Decode(data)
}

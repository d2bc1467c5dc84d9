package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `
parameter-holder: [127.0.0.1:7000]
trainer: [127.0.0.1:7001, 127.0.0.1:7002]
evaluator: [127.0.0.1:7003]
`

func TestDecode(t *testing.T) {
	t.Run("valid topology", func(t *testing.T) {
		topo, err := Decode([]byte(sample))
		require.NoError(t, err)
		require.Equal(t, []Spec{
			{Role: ParameterHolder, Index: 0, Address: "127.0.0.1:7000"},
			{Role: Trainer, Index: 0, Address: "127.0.0.1:7001"},
			{Role: Trainer, Index: 1, Address: "127.0.0.1:7002"},
			{Role: Evaluator, Index: 0, Address: "127.0.0.1:7003"},
		}, topo.Specs(), "Specs should follow launch order")
		require.Equal(t, "127.0.0.1:7000", topo.Holder().Address)
		require.Len(t, topo.Addresses(), 4)
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := Decode([]byte(sample + "learner: [127.0.0.1:7004]\n"))
		require.ErrorIs(t, err, ErrInvalidTopology)
	})

	t.Run("load from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cluster.yaml")
		require.NoError(t, os.WriteFile(path, []byte(sample), 0644))
		topo, err := Load(path)
		require.NoError(t, err)
		require.Len(t, topo.Trainers, 2)
	})
}

func TestValidate(t *testing.T) {
	valid := Topology{
		ParameterHolders: []string{"localhost:7000"},
		Trainers:         []string{"localhost:7001"},
	}
	require.NoError(t, valid.Validate(), "Evaluators are optional")

	cases := map[string]Topology{
		"no holder": {
			Trainers: []string{"localhost:7001"},
		},
		"two holders": {
			ParameterHolders: []string{"localhost:7000", "localhost:7009"},
			Trainers:         []string{"localhost:7001"},
		},
		"no trainer": {
			ParameterHolders: []string{"localhost:7000"},
		},
		"missing port": {
			ParameterHolders: []string{"localhost"},
			Trainers:         []string{"localhost:7001"},
		},
		"shared address across roles": {
			ParameterHolders: []string{"localhost:7000"},
			Trainers:         []string{"localhost:7001"},
			Evaluators:       []string{"localhost:7001"},
		},
	}
	for name, topo := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, topo.Validate(), ErrInvalidTopology)
		})
	}
}

func TestLookup(t *testing.T) {
	topo, err := Decode([]byte(sample))
	require.NoError(t, err)

	s, err := topo.Lookup(Trainer, 1)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7002", s.Address)
	require.Equal(t, "trainer/1@127.0.0.1:7002", s.String())

	_, err = topo.Lookup(Evaluator, 1)
	require.ErrorIs(t, err, ErrInvalidTopology)

	r, err := ParseRole("evaluator")
	require.NoError(t, err)
	require.Equal(t, Evaluator, r)
	_, err = ParseRole("ps")
	require.ErrorIs(t, err, ErrInvalidTopology)
}

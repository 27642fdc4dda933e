package filter

import (
	"errors"
	"testing"

	"kubepulse/internal/types"

	"github.com/stretchr/testify/suite"
)

type FilterTestSuite struct {
	suite.Suite
}

func TestFilterTestSuite(t *testing.T) {
	suite.Run(t, new(FilterTestSuite))
}

type row struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

func (s *FilterTestSuite) TestEvalAnyOnGenericJSON() {
	obj := map[string]any{
		"key1": "value1",
		"key2": map[string]any{
			"subkey1": "subvalue1",
			"subkey2": 42,
		},
		"key3": []any{"elem1", "elem2", "elem3"},
		"key4": nil,
	}
	cases := map[string]any{
		"key1":                    "value1",
		"key2.subkey1":            "subvalue1",
		"key2.subkey2":            42,
		"key3[1]":                 "elem2",
		"contains(key3, 'elem2')": true,
		"contains(key3, 'elemX')": false,
	}
	for expr, want := range cases {
		f, err := Compile(expr)
		s.Require().NoError(err, expr)
		v, err := f.Apply(obj)
		s.NoError(err, expr)
		s.Equal(want, v, expr)
	}

	f, _ := Compile("nonexistent")
	v, err := f.Apply(obj)
	s.NoError(err)
	s.Nil(v)
}

func (s *FilterTestSuite) TestTypedRowsUseJSONNames() {
	rows := []row{{"a", "default"}, {"b", "kube-system"}, {"c", "default"}}
	f, err := Compile("[?namespace=='default'].name")
	s.Require().NoError(err)
	v, err := f.Apply(rows)
	s.Require().NoError(err)
	s.Equal([]any{"a", "c"}, v)
	s.Equal("[?namespace=='default'].name", f.String())
}

func (s *FilterTestSuite) TestInvalidExpression() {
	_, err := Compile("[?")
	s.True(errors.Is(err, types.ErrValidation))
}

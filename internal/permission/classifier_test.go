package permission

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

type codedError struct {
	code int
	msg  string
}

func (e codedError) Error() string   { return e.msg }
func (e codedError) StatusCode() int { return e.code }

func TestIsAuthorizationError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"k8s forbidden", apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "", errors.New("no")), true},
		{"k8s unauthorized", apierrors.NewUnauthorized("expired token"), true},
		{"k8s not found", apierrors.NewNotFound(schema.GroupResource{Resource: "pods"}, "x"), false},
		{"wrapped k8s forbidden", fmt.Errorf("list: %w", apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "", errors.New("no"))), true},
		{"coded 401", codedError{401, "nope"}, true},
		{"coded 500 mentioning forbidden", codedError{500, "forbidden upstream"}, true},
		{"coded 500", codedError{500, "boom"}, false},
		{"keyword", errors.New("User cannot do that: RBAC policy"), true},
		{"keyword permission denied", errors.New("Permission Denied by webhook"), true},
		{"plain", errors.New("connection refused"), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsAuthorizationError(c.err), c.name)
	}
}

func TestClassifyForbidden(t *testing.T) {
	err := apierrors.NewForbidden(schema.GroupResource{Group: "apps", Resource: "deployments"}, "",
		errors.New(`User "bob" cannot list resource "deployments" in API group "apps"`))

	d := Classify(err)
	require.NotNil(t, d)
	assert.Equal(t, http.StatusForbidden, d.StatusCode)
	assert.Equal(t, "deployments", d.Resource)
	assert.Equal(t, "apps", d.Group)
	assert.Equal(t, "list", d.Verb)
	assert.NotEmpty(t, d.Message)
}

func TestClassifyUnauthorizedKeepsCode(t *testing.T) {
	d := Classify(apierrors.NewUnauthorized("token expired"))
	require.NotNil(t, d)
	assert.Equal(t, http.StatusUnauthorized, d.StatusCode)
}

func TestClassifyKeywordOnly(t *testing.T) {
	d := Classify(errors.New(`access denied: cannot watch resource "secrets"`))
	require.NotNil(t, d)
	assert.Equal(t, http.StatusForbidden, d.StatusCode)
	assert.Equal(t, "watch", d.Verb)
	assert.Equal(t, "secrets", d.Resource)
}

func TestClassifyVerbIsWholeWord(t *testing.T) {
	d := Classify(errors.New("forbidden: cannot deletecollection widgets"))
	require.NotNil(t, d)
	assert.Equal(t, "deletecollection", d.Verb)

	d = Classify(errors.New("forbidden: getter lister"))
	require.NotNil(t, d)
	assert.Empty(t, d.Verb)
}

func TestClassifyNonAuth(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Nil(t, Classify(errors.New("i/o timeout")))
}

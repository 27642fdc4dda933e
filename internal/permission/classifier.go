// Package permission decides whether a failed cluster call was an authorization failure and, when it was,
// extracts what the caller was denied.
package permission

import (
	"errors"
	"net/http"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// StructuredAPIError is any error carrying an HTTP status. Errors from other clients can satisfy it without
// depending on the Kubernetes API machinery.
type StructuredAPIError interface {
	error
	StatusCode() int
}

// Detail describes a denied request. Fields that could not be determined are empty.
type Detail struct {
	Resource   string `json:"resource"`
	Verb       string `json:"verb"`
	Group      string `json:"apiGroup"`
	Version    string `json:"apiVersion"`
	Message    string `json:"message"`
	StatusCode int    `json:"code"`
}

var keywords = []string{
	"forbidden",
	"unauthorized",
	"access denied",
	"rbac",
	"not allowed",
	"permission denied",
	"insufficient permissions",
}

// verbs in match order. Matching is per word, so "delete" never matches inside "deletecollection".
var verbs = []string{"get", "list", "watch", "create", "update", "patch", "delete", "deletecollection"}

// IsAuthorizationError reports whether err is an authorization failure. It never panics and is false for nil.
func IsAuthorizationError(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := structuredStatus(err); ok && isAuthStatus(code) {
		return true
	}
	return hasKeyword(strings.ToLower(err.Error()))
}

// Classify returns the Detail of an authorization error, or nil when err is not one.
func Classify(err error) *Detail {
	if !IsAuthorizationError(err) {
		return nil
	}
	msg := err.Error()
	d := &Detail{
		Message:    msg,
		StatusCode: http.StatusForbidden,
		Verb:       extractVerb(strings.ToLower(msg)),
	}
	if code, ok := structuredStatus(err); ok && isAuthStatus(code) {
		d.StatusCode = code
	}

	var status apierrors.APIStatus
	if errors.As(err, &status) {
		st := status.Status()
		if st.Message != "" {
			d.Message = st.Message
		}
		if st.Details != nil {
			d.Resource = st.Details.Kind
			d.Group = st.Details.Group
		}
	}
	if d.Resource == "" {
		d.Resource = extractResource(msg)
	}
	return d
}

// structuredStatus finds the first status code in the chain. Kubernetes statuses are checked before the
// generic interface because a *StatusError does not implement StatusCode().
func structuredStatus(err error) (int, bool) {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		if code := int(status.Status().Code); code != 0 {
			return code, true
		}
	}
	var sae StructuredAPIError
	if errors.As(err, &sae) {
		if code := sae.StatusCode(); code != 0 {
			return code, true
		}
	}
	return 0, false
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func hasKeyword(lower string) bool {
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// extractVerb returns the first verb, in match order, that appears as a whole word in lower.
func extractVerb(lower string) string {
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[w] = struct{}{}
	}
	for _, v := range verbs {
		if _, ok := seen[v]; ok {
			return v
		}
	}
	return ""
}

// extractResource parses the `cannot <verb> resource "<name>"` phrase of API server denial messages.
func extractResource(msg string) string {
	const marker = `resource "`
	i := strings.Index(msg, marker)
	if i < 0 {
		return ""
	}
	rest := msg[i+len(marker):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}

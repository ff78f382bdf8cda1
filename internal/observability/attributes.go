// Package observability provides the service's OpenTelemetry metrics.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrState   = "state"
	attrSuccess = "success"
	attrOrigin  = "origin"
	attrRoot    = "root"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func originAttr(origin string) attribute.KeyValue {
	return attribute.String(attrOrigin, origin)
}

func rootAttr(root string) attribute.KeyValue {
	return attribute.String(attrRoot, root)
}

// normalizePath replaces the job id segment so per-job routes share a series.
// /v1/jobs/abc123/run -> /v1/jobs/{jobId}/run
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, action, found := strings.Cut(rest, "/"); found {
		return prefix + "{jobId}/" + action
	}
	return prefix + "{jobId}"
}

package cluster

import (
	"context"

	"kubepulse/internal/ports"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// OverviewResources are counted by Overview.
var OverviewResources = []schema.GroupVersionResource{
	{Version: "v1", Resource: "namespaces"},
	{Version: "v1", Resource: "nodes"},
	{Version: "v1", Resource: "pods"},
	{Version: "v1", Resource: "services"},
	{Version: "v1", Resource: "configmaps"},
	{Group: "apps", Version: "v1", Resource: "deployments"},
	{Group: "apps", Version: "v1", Resource: "statefulsets"},
	{Group: "apps", Version: "v1", Resource: "daemonsets"},
	{Group: "batch", Version: "v1", Resource: "jobs"},
}

type OverviewItem struct {
	Resource string `json:"resource"`
	Group    string `json:"group,omitempty"`
	Count    int    `json:"count"`
	Error    string `json:"error,omitempty"`
}

// Overview counts every OverviewResources entry across all namespaces. Individual failures are reported per
// item; only when every resource failed is the first error returned.
func Overview(ctx context.Context, l ports.ResourceLister, configID, contextName string) ([]OverviewItem, error) {
	items := make([]OverviewItem, 0, len(OverviewResources))
	var firstErr error
	failed := 0
	for _, gvr := range OverviewResources {
		item := OverviewItem{Resource: gvr.Resource, Group: gvr.Group}
		rows, err := l.List(ctx, configID, contextName, gvr, "")
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed++
			item.Error = err.Error()
		} else {
			item.Count = len(rows)
		}
		items = append(items, item)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if failed == len(OverviewResources) {
		return nil, firstErr
	}
	return items, nil
}

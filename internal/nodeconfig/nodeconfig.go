// Package nodeconfig implements C3 NodeConfigRenderer: applying per-node
// overrides onto a JSON template and producing the environment variables a
// launched node reads at startup. JSON paths are read and written with
// gjson/sjson rather than unmarshalling into a typed tree, because the
// template is operator-supplied and need not match any Go struct the
// control plane owns.
package nodeconfig

import (
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/accessmesh/controlplane/internal/cperrors"
	"github.com/accessmesh/controlplane/internal/model"
)

// Kind is the launched process' role.
type Kind string

const (
	KindReader      Kind = "reader"
	KindEventCache  Kind = "event-cache"
	KindWriter      Kind = "writer"
	KindCoordinator Kind = "coordinator"
	KindRouter      Kind = "router"
)

// requiredPaths lists the JSON paths a template must already declare for
// kind, checked before any override is applied and before any orchestrator
// call is made.
func requiredPaths(kind Kind) []string {
	metricSuffix := "MetricLogging.MetricCategorySuffix"
	switch kind {
	case KindReader:
		return []string{"EventCacheConnection.Host", metricSuffix, "StorageCredentials"}
	case KindEventCache:
		return []string{metricSuffix}
	case KindWriter:
		return []string{"EventPersistence.EventPersisterBackupFilePath", "EventCacheConnection.Host", metricSuffix, "StorageCredentials"}
	case KindCoordinator:
		return []string{metricSuffix, "StorageCredentials"}
	case KindRouter:
		return []string{
			"ShardRouting.DataElementType",
			"ShardRouting.SourceQueryShardBaseUrl",
			"ShardRouting.SourceEventShardBaseUrl",
			"ShardRouting.SourceShardHashRangeStart",
			"ShardRouting.SourceShardHashRangeEnd",
			"ShardRouting.TargetQueryShardBaseUrl",
			"ShardRouting.TargetEventShardBaseUrl",
			"ShardRouting.TargetShardHashRangeStart",
			"ShardRouting.TargetShardHashRangeEnd",
			"ShardRouting.RoutingInitiallyOn",
			metricSuffix,
		}
	default:
		return nil
	}
}

// Override is one JSON-path/value pair applied onto the template.
type Override struct {
	Path  string
	Value interface{}
}

// ReaderOverrides returns the overrides a reader node needs.
func ReaderOverrides(eventCacheHost, metricCategorySuffix string, creds model.Credentials) []Override {
	return append([]Override{
		{"EventCacheConnection.Host", eventCacheHost},
		{"MetricLogging.MetricCategorySuffix", metricCategorySuffix},
	}, credentialOverrides(creds)...)
}

// WriterOverrides returns the overrides a writer node needs.
func WriterOverrides(backupFilePath, eventCacheHost, metricCategorySuffix string, creds model.Credentials) []Override {
	return append([]Override{
		{"EventPersistence.EventPersisterBackupFilePath", backupFilePath},
		{"EventCacheConnection.Host", eventCacheHost},
		{"MetricLogging.MetricCategorySuffix", metricCategorySuffix},
	}, credentialOverrides(creds)...)
}

// EventCacheOverrides returns the overrides an event-cache node needs.
func EventCacheOverrides(metricCategorySuffix string) []Override {
	return []Override{{"MetricLogging.MetricCategorySuffix", metricCategorySuffix}}
}

// CoordinatorOverrides returns the overrides a coordinator node needs.
func CoordinatorOverrides(metricCategorySuffix string, creds model.Credentials) []Override {
	return append([]Override{
		{"MetricLogging.MetricCategorySuffix", metricCategorySuffix},
	}, credentialOverrides(creds)...)
}

// RouterConfig is the full set of routing facts a splitter router needs.
type RouterConfig struct {
	DataElementType          model.DataElement
	SourceQueryShardBaseURL  string
	SourceEventShardBaseURL  string
	SourceShardHashRangeStart int32
	SourceShardHashRangeEnd   int32
	TargetQueryShardBaseURL  string
	TargetEventShardBaseURL  string
	TargetShardHashRangeStart int32
	TargetShardHashRangeEnd   int32
	RoutingInitiallyOn       bool
	MetricCategorySuffix     string
}

// RouterOverrides returns the overrides a router node needs.
func RouterOverrides(cfg RouterConfig) []Override {
	return []Override{
		{"ShardRouting.DataElementType", string(cfg.DataElementType)},
		{"ShardRouting.SourceQueryShardBaseUrl", cfg.SourceQueryShardBaseURL},
		{"ShardRouting.SourceEventShardBaseUrl", cfg.SourceEventShardBaseURL},
		{"ShardRouting.SourceShardHashRangeStart", cfg.SourceShardHashRangeStart},
		{"ShardRouting.SourceShardHashRangeEnd", cfg.SourceShardHashRangeEnd},
		{"ShardRouting.TargetQueryShardBaseUrl", cfg.TargetQueryShardBaseURL},
		{"ShardRouting.TargetEventShardBaseUrl", cfg.TargetEventShardBaseURL},
		{"ShardRouting.TargetShardHashRangeStart", cfg.TargetShardHashRangeStart},
		{"ShardRouting.TargetShardHashRangeEnd", cfg.TargetShardHashRangeEnd},
		{"ShardRouting.RoutingInitiallyOn", cfg.RoutingInitiallyOn},
		{"MetricLogging.MetricCategorySuffix", cfg.MetricCategorySuffix},
	}
}

func credentialOverrides(creds model.Credentials) []Override {
	out := make([]Override, 0, len(creds.Blob))
	for k, v := range creds.Blob {
		out = append(out, Override{fmt.Sprintf("StorageCredentials.%s", k), v})
	}
	return out
}

// Renderer is C3: fixed per-pod knobs plus the per-call template/overrides.
type Renderer struct {
	PodPort         int32
	MinimumLogLevel string
}

// New builds a Renderer with the pod port and log level injected into
// every rendered node regardless of kind.
func New(podPort int32, minimumLogLevel string) *Renderer {
	return &Renderer{PodPort: podPort, MinimumLogLevel: minimumLogLevel}
}

// Render validates that template declares every path kind requires, then
// applies overrides and returns the environment variables the launched
// process should receive. A missing required path is a TemplateError and
// is returned before template is touched, so a bad template never reaches
// the orchestrator as a half-applied override set.
func (r *Renderer) Render(kind Kind, template string, overrides []Override) (map[string]string, error) {
	for _, path := range requiredPaths(kind) {
		if !gjson.Get(template, path).Exists() {
			return nil, cperrors.New(cperrors.TemplateError, string(kind), "", fmt.Sprintf("template missing required path %q", path), nil)
		}
	}

	rendered := template
	for _, o := range overrides {
		var err error
		rendered, err = sjson.Set(rendered, o.Path, o.Value)
		if err != nil {
			return nil, cperrors.New(cperrors.TemplateError, string(kind), "", fmt.Sprintf("failed to apply override %q", o.Path), err)
		}
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(rendered))
	return map[string]string{
		"ENCODED_JSON_CONFIGURATION": encoded,
		"MODE":                       "Launch",
		"LISTEN_PORT":                fmt.Sprintf("%d", r.PodPort),
		"MINIMUM_LOG_LEVEL":          r.MinimumLogLevel,
	}, nil
}

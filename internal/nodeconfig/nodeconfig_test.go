package nodeconfig

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/accessmesh/controlplane/internal/cperrors"
	"github.com/accessmesh/controlplane/internal/model"
)

const readerTemplate = `{
	"EventCacheConnection": {"Host": ""},
	"MetricLogging": {"MetricCategorySuffix": ""},
	"StorageCredentials": {}
}`

func TestRenderReaderAppliesOverridesAndEnv(t *testing.T) {
	r := New(5000, "Information")
	creds := model.Credentials{Name: "am_user_0", Blob: map[string]string{"url": "postgres://x"}}

	env, err := r.Render(KindReader, readerTemplate, ReaderOverrides("reader-0-service:5000", "reader-0", creds))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if env["MODE"] != "Launch" || env["LISTEN_PORT"] != "5000" || env["MINIMUM_LOG_LEVEL"] != "Information" {
		t.Fatalf("unexpected fixed env vars: %+v", env)
	}

	decoded, err := base64.StdEncoding.DecodeString(env["ENCODED_JSON_CONFIGURATION"])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !json.Valid(decoded) {
		t.Fatalf("rendered blob is not valid JSON: %s", decoded)
	}
	if gjson.GetBytes(decoded, "EventCacheConnection.Host").String() != "reader-0-service:5000" {
		t.Fatalf("event cache host not applied: %s", decoded)
	}
	if gjson.GetBytes(decoded, "StorageCredentials.url").String() != "postgres://x" {
		t.Fatalf("credentials not applied: %s", decoded)
	}
}

func TestRenderFailsBeforeApplyingOverridesWhenPathMissing(t *testing.T) {
	r := New(5000, "Information")
	_, err := r.Render(KindReader, `{}`, ReaderOverrides("host", "suffix", model.Credentials{}))
	if err == nil {
		t.Fatal("expected a TemplateError")
	}
	if kind, ok := cperrors.KindOf(err); !ok || kind != cperrors.TemplateError {
		t.Fatalf("expected TemplateError, got %v (ok=%v)", kind, ok)
	}
}

func TestRenderRouterSetsAllShardRoutingFields(t *testing.T) {
	const routerTemplate = `{
		"ShardRouting": {
			"DataElementType": "", "SourceQueryShardBaseUrl": "", "SourceEventShardBaseUrl": "",
			"SourceShardHashRangeStart": 0, "SourceShardHashRangeEnd": 0,
			"TargetQueryShardBaseUrl": "", "TargetEventShardBaseUrl": "",
			"TargetShardHashRangeStart": 0, "TargetShardHashRangeEnd": 0,
			"RoutingInitiallyOn": false
		},
		"MetricLogging": {"MetricCategorySuffix": ""}
	}`
	r := New(5000, "Information")
	env, err := r.Render(KindRouter, routerTemplate, RouterOverrides(RouterConfig{
		DataElementType:           model.DataElementUser,
		SourceQueryShardBaseURL:   "http://user-reader-0-service:5000/",
		SourceShardHashRangeStart: model.MinHashRangeStart,
		SourceShardHashRangeEnd:   99,
		TargetShardHashRangeStart: 100,
		TargetShardHashRangeEnd:   model.MaxHashRangeEnd,
		RoutingInitiallyOn:        false,
		MetricCategorySuffix:      "user-router-0",
	}))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	decoded, _ := base64.StdEncoding.DecodeString(env["ENCODED_JSON_CONFIGURATION"])
	if gjson.GetBytes(decoded, "ShardRouting.RoutingInitiallyOn").Bool() != false {
		t.Fatalf("expected RoutingInitiallyOn false, got %s", decoded)
	}
	if gjson.GetBytes(decoded, "ShardRouting.TargetShardHashRangeEnd").Int() != int64(model.MaxHashRangeEnd) {
		t.Fatalf("target hash range end not applied: %s", decoded)
	}
}

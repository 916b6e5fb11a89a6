package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestPlanFileParsesYAML(t *testing.T) {
	src := `
name: nightly-index
stages:
  - id: scan
    kind: map
    slo_ms: 30000
  - id: merge
    kind: reduce
    slo_ms: 60000
    depends_on: [scan]
constraints:
  max_shards: 64
  tolerate_failed: 1
`
	var pf planFile
	if err := yaml.Unmarshal([]byte(src), &pf); err != nil {
		t.Fatalf("yaml parse failed: %v", err)
	}
	if pf.Name != "nightly-index" {
		t.Fatalf("expected name nightly-index, got %q", pf.Name)
	}
	if len(pf.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(pf.Stages))
	}
	if pf.Stages[1].DependsOn[0] != "scan" {
		t.Fatalf("expected merge to depend on scan, got %v", pf.Stages[1].DependsOn)
	}
	if pf.Constraints.MaxShards != 64 || pf.Constraints.TolerateFailed != 1 {
		t.Fatalf("constraints mismatch: %+v", pf.Constraints)
	}
}

func TestPlanFileParsesJSON(t *testing.T) {
	// YAML is a JSON superset, so JSON plan files go through the same
	// decoder.
	src := `{"name":"j","stages":[{"id":"a","kind":"map","slo_ms":1000}],"constraints":{"max_shards":4}}`
	var pf planFile
	if err := yaml.Unmarshal([]byte(src), &pf); err != nil {
		t.Fatalf("json parse failed: %v", err)
	}
	if pf.Name != "j" || pf.Stages[0].SLOMs != 1000 {
		t.Fatalf("unexpected parse result: %+v", pf)
	}
}

func TestPlanFileWirePayloadShape(t *testing.T) {
	var pf planFile
	pf.Name = "wire"
	pf.Stages = append(pf.Stages, struct {
		ID        string   `yaml:"id" json:"id"`
		Kind      string   `yaml:"kind" json:"kind"`
		SLOMs     int64    `yaml:"slo_ms" json:"slo_ms"`
		DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`
		Units     int64    `yaml:"units" json:"units,omitempty"`
	}{ID: "a", Kind: "map", SLOMs: 500})
	pf.Constraints.MaxShards = 8

	payload, err := json.Marshal(pf)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for _, want := range []string{`"name":"wire"`, `"slo_ms":500`, `"max_shards":8`} {
		if !strings.Contains(string(payload), want) {
			t.Fatalf("payload missing %s: %s", want, payload)
		}
	}
}

func TestPrintResponseReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"unknown plan x"}`))
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if err := printResponse(resp); err == nil {
		t.Fatal("expected error for 404 response")
	} else if !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status in error, got: %v", err)
	}
}

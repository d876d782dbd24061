package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaylabs/relay"
	"github.com/relaylabs/relay/kv/memory"
)

func TestStatusHandlerWorkflowEndpoints(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	versions := relay.NewVersionManager(store)
	experiments := relay.NewExperimenter(store, versions)

	def := map[string]any{"steps": []any{map[string]any{"name": "plan"}}}
	if _, err := versions.Register(ctx, "pipeline", "1.0.0", def, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := versions.Register(ctx, "pipeline", "2.0.0", def, ""); err != nil {
		t.Fatal(err)
	}
	if err := versions.SetActive(ctx, "pipeline", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	exp, err := experiments.Create(ctx, "pipeline", []relay.Variant{
		{Version: "1.0.0", Weight: 0.5},
		{Version: "2.0.0", Weight: 0.5},
	}, 100, 0.95)
	if err != nil {
		t.Fatal(err)
	}

	h := statusHandler(relay.NewRouter(), relay.NewCoordinator(), relay.NewRegistry(),
		relay.NewTracker(store), versions, experiments)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/workflows/pipeline/versions", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("versions status = %d", rr.Code)
	}
	var vbody struct {
		Active   string                  `json:"active"`
		Versions []relay.WorkflowVersion `json:"versions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &vbody); err != nil {
		t.Fatal(err)
	}
	if vbody.Active != "1.0.0" || len(vbody.Versions) != 2 {
		t.Fatalf("versions body = %+v", vbody)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/experiments/"+exp.ID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("experiment status = %d", rr.Code)
	}
	var ebody struct {
		Experiment relay.Experiment      `json:"experiment"`
		Results    []relay.VariantResult `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &ebody); err != nil {
		t.Fatal(err)
	}
	if ebody.Experiment.ID != exp.ID || len(ebody.Results) != 2 {
		t.Fatalf("experiment body = %+v", ebody)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/experiments/ghost", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown experiment status = %d", rr.Code)
	}
}

package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wasmexec/host/internal/abi"
	"github.com/wasmexec/host/internal/cache"
	"github.com/wasmexec/host/internal/dispatch"
	"github.com/wasmexec/host/internal/fetcher"
	"github.com/wasmexec/host/internal/runtime"
)

// echoWasm is the same module internal/runtime's argv tests use
// (duplicated here since test-only byte arrays are not exported
// across packages): it exports memory/_start/get_result* and always
// returns the literal JSON {"ok":true} via a data section.
var echoWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version

	// type section: () -> (), () -> i32
	0x01, 0x08, 0x02,
	0x60, 0x00, 0x00,
	0x60, 0x00, 0x01, 0x7f,

	// function section: _start:type0, get_result_len:type1, get_result:type1
	0x03, 0x04, 0x03, 0x00, 0x01, 0x01,

	// memory section: 1 page minimum
	0x05, 0x03, 0x01, 0x00, 0x01,

	// export section
	0x07, 0x31, 0x04,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00, // "memory" -> memory 0
	0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00, // "_start" -> func 0
	0x0e, 0x67, 0x65, 0x74, 0x5f, 0x72, 0x65, 0x73, 0x75, 0x6c, 0x74, 0x5f, 0x6c, 0x65, 0x6e, 0x00, 0x01, // "get_result_len" -> func 1
	0x0a, 0x67, 0x65, 0x74, 0x5f, 0x72, 0x65, 0x73, 0x75, 0x6c, 0x74, 0x00, 0x02, // "get_result" -> func 2

	// code section
	0x0a, 0x0e, 0x03,
	0x02, 0x00, 0x0b, // _start: nop; end
	0x04, 0x00, 0x41, 0x0b, 0x0b, // get_result_len: i32.const 11; end
	0x04, 0x00, 0x41, 0x00, 0x0b, // get_result: i32.const 0; end

	// data section: offset 0, bytes of {"ok":true}
	0x0b, 0x11, 0x01,
	0x00, 0x41, 0x00, 0x0b, // active, memory 0, offset i32.const 0
	0x0b, // size 11
	0x7b, 0x22, 0x6f, 0x6b, 0x22, 0x3a, 0x74, 0x72, 0x75, 0x65, 0x7d, // {"ok":true}
}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	ctx := context.Background()
	rt := runtime.NewArgvRuntime(ctx, time.Minute)
	t.Cleanup(func() { rt.Close(ctx) })

	f := fetcher.New(cache.NewModelCache(time.Minute, nil), nil)
	return NewHandlers("test-node", rt, f, nil)
}

func initContainer(t *testing.T, router http.Handler, containerID string, compiled []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(abi.InitRequest{
		CompiledModuleB64: base64.StdEncoding.EncodeToString(compiled),
	})
	if err != nil {
		t.Fatalf("marshal init request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/"+containerID+"/init", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestInitRunDestroy_HappyPath(t *testing.T) {
	h := newTestHandlers(t)
	router := NewRouter(h)

	if w := initContainer(t, router, "c1", echoWasm); w.Code != http.StatusOK {
		t.Fatalf("init: expected 200, got %d: %s", w.Code, w.Body)
	}

	runReq := httptest.NewRequest(http.MethodPost, "/c1/run", strings.NewReader(`{"any":"thing"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, runReq)
	if w.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d: %s", w.Code, w.Body)
	}

	var out map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal run response: %v", err)
	}
	if !out["ok"] {
		t.Fatalf("expected ok:true, got %s", w.Body.String())
	}

	destroyReq := httptest.NewRequest(http.MethodPost, "/c1/destroy", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, destroyReq)
	if w.Code != http.StatusOK {
		t.Fatalf("destroy: expected 200, got %d", w.Code)
	}

	// S5: run against a destroyed container id must report ContainerNotFound.
	runReq2 := httptest.NewRequest(http.MethodPost, "/c1/run", strings.NewReader(`{}`))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, runReq2)
	var errBody map[string]string
	json.Unmarshal(w.Body.Bytes(), &errBody)
	if !strings.Contains(errBody["error"], string(abi.KindContainerNotFound)) {
		t.Fatalf("expected ContainerNotFound error, got %s", w.Body.String())
	}
}

func TestRun_UnknownContainer(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	req := httptest.NewRequest(http.MethodPost, "/nope/run", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var errBody map[string]string
	json.Unmarshal(w.Body.Bytes(), &errBody)
	if !strings.Contains(errBody["error"], string(abi.KindContainerNotFound)) {
		t.Fatalf("expected ContainerNotFound, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDestroy_IdempotentOnUnknownContainer(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/nope/destroy", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("destroy %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestInit_MalformedBody(t *testing.T) {
	router := NewRouter(newTestHandlers(t))

	req := httptest.NewRequest(http.MethodPost, "/c1/init", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRun_ModelsWithoutDispatcherConfigured(t *testing.T) {
	h := newTestHandlers(t)
	router := NewRouter(h)

	initContainer(t, router, "c1", echoWasm)

	req := httptest.NewRequest(http.MethodPost, "/c1/run", strings.NewReader(`{"models":["http://example.invalid/m"]}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported dispatch, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRun_ModelsRoutesThroughDispatcher(t *testing.T) {
	ctx := context.Background()
	rt := runtime.NewLinearMemRuntime(ctx, time.Minute, false)
	t.Cleanup(func() { rt.Close(ctx) })

	f := fetcher.New(cache.NewModelCache(time.Minute, nil), nil)
	d := dispatch.New(rt, f)
	h := NewHandlers("test-node", rt, f, d)
	router := NewRouter(h)

	if w := initContainer(t, router, "c1", identityWithModelSlotWasmForAPI); w.Code != http.StatusOK {
		t.Fatalf("init: expected 200, got %d: %s", w.Code, w.Body)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("model-bytes"))
	}))
	defer srv.Close()

	body := `{"models":["` + srv.URL + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/c1/run", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d: %s", w.Code, w.Body)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out[srv.URL]; !ok {
		t.Fatalf("expected key for model url in %s", w.Body.String())
	}
	if _, ok := out["metrics"]; !ok {
		t.Fatalf("expected top-level metrics in %s", w.Body.String())
	}
}

func TestRun_SingleModelFieldRoutesOutOfBand(t *testing.T) {
	ctx := context.Background()
	rt := runtime.NewLinearMemRuntime(ctx, time.Minute, false)
	t.Cleanup(func() { rt.Close(ctx) })

	f := fetcher.New(cache.NewModelCache(time.Minute, nil), nil)
	h := NewHandlers("test-node", rt, f, nil)
	router := NewRouter(h)

	if w := initContainer(t, router, "c1", identityWithModelSlotWasmForAPI); w.Code != http.StatusOK {
		t.Fatalf("init: expected 200, got %d: %s", w.Code, w.Body)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("model-bytes"))
	}))
	defer srv.Close()

	body := `{"model":"` + srv.URL + `","x":1}`
	req := httptest.NewRequest(http.MethodPost, "/c1/run", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d: %s", w.Code, w.Body)
	}

	// The model field is fetched and delivered via set_model, not
	// inlined into the JSON the guest sees as its input.
	var out map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["x"] != 1 {
		t.Fatalf("expected input passthrough without model field, got %s", w.Body.String())
	}
}

// identityLinearMemWasmForAPI is the same module as
// internal/runtime's identityLinearMemWasm, duplicated here since
// test-only byte arrays are not exported across packages.
var identityLinearMemWasmForAPI = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,

	0x01, 0x0d, 0x03,
	0x60, 0x00, 0x00,
	0x60, 0x00, 0x01, 0x7f,
	0x60, 0x01, 0x7f, 0x01, 0x7f,

	0x03, 0x05, 0x04, 0x00, 0x01, 0x01, 0x02,

	0x05, 0x03, 0x01, 0x00, 0x01,

	0x06, 0x06, 0x01, 0x7f, 0x01, 0x41, 0x00, 0x0b,

	0x07, 0x3d, 0x05,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
	0x0e, 0x67, 0x65, 0x74, 0x5f, 0x72, 0x65, 0x73, 0x75, 0x6c, 0x74, 0x5f, 0x6c, 0x65, 0x6e, 0x00, 0x01,
	0x0a, 0x67, 0x65, 0x74, 0x5f, 0x72, 0x65, 0x73, 0x75, 0x6c, 0x74, 0x00, 0x02,
	0x09, 0x73, 0x65, 0x74, 0x5f, 0x69, 0x6e, 0x70, 0x75, 0x74, 0x00, 0x03,

	0x0a, 0x17, 0x04,
	0x02, 0x00, 0x0b,
	0x04, 0x00, 0x23, 0x00, 0x0b,
	0x04, 0x00, 0x41, 0x00, 0x0b,
	0x08, 0x00, 0x20, 0x00, 0x24, 0x00, 0x41, 0x00, 0x0b,
}

// identityWithModelSlotWasmForAPI is identityLinearMemWasmForAPI plus a
// set_model export, so RunWithModel can deliver model bytes:
//
//	(func (export "set_model") (param i32) (result i32) (i32.const 1024))
//
// The model lands at offset 1024, away from the input/result buffer at
// offset 0, and does not change the result length, so the result is
// still exactly the input JSON.
var identityWithModelSlotWasmForAPI = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,

	0x01, 0x0d, 0x03,
	0x60, 0x00, 0x00,
	0x60, 0x00, 0x01, 0x7f,
	0x60, 0x01, 0x7f, 0x01, 0x7f,

	// _start:type0, get_result_len:type1, get_result:type1, set_input:type2, set_model:type2
	0x03, 0x06, 0x05, 0x00, 0x01, 0x01, 0x02, 0x02,

	0x05, 0x03, 0x01, 0x00, 0x01,

	0x06, 0x06, 0x01, 0x7f, 0x01, 0x41, 0x00, 0x0b,

	0x07, 0x49, 0x06,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
	0x0e, 0x67, 0x65, 0x74, 0x5f, 0x72, 0x65, 0x73, 0x75, 0x6c, 0x74, 0x5f, 0x6c, 0x65, 0x6e, 0x00, 0x01,
	0x0a, 0x67, 0x65, 0x74, 0x5f, 0x72, 0x65, 0x73, 0x75, 0x6c, 0x74, 0x00, 0x02,
	0x09, 0x73, 0x65, 0x74, 0x5f, 0x69, 0x6e, 0x70, 0x75, 0x74, 0x00, 0x03,
	0x09, 0x73, 0x65, 0x74, 0x5f, 0x6d, 0x6f, 0x64, 0x65, 0x6c, 0x00, 0x04, // "set_model" -> func 4

	0x0a, 0x1d, 0x05,
	0x02, 0x00, 0x0b,
	0x04, 0x00, 0x23, 0x00, 0x0b,
	0x04, 0x00, 0x41, 0x00, 0x0b,
	0x08, 0x00, 0x20, 0x00, 0x24, 0x00, 0x41, 0x00, 0x0b,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b, // set_model: i32.const 1024; end
}

// Package api exposes the init/run/destroy HTTP surface over a
// runtime.Runtime backend, plus the parallel multi-model dispatch
// variant and asset pre-fetch substitution.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wasmexec/host/internal/abi"
	"github.com/wasmexec/host/internal/dispatch"
	"github.com/wasmexec/host/internal/fetcher"
	"github.com/wasmexec/host/internal/runtime"
)

var startTime = time.Now()

// Handlers wires the init/run/destroy routes to a single runtime
// backend plus the asset fetcher and optional parallel dispatcher.
type Handlers struct {
	nodeID     string
	rt         runtime.Runtime
	fetcher    *fetcher.Fetcher
	dispatcher *dispatch.Dispatcher
}

func NewHandlers(nodeID string, rt runtime.Runtime, f *fetcher.Fetcher, d *dispatch.Dispatcher) *Handlers {
	return &Handlers{nodeID: nodeID, rt: rt, fetcher: f, dispatcher: d}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.nodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
	})
}

// Init handles POST /{container_id}/init: the body decodes into
// abi.InitRequest, carrying the Base64-encoded compiled module bytes
// and the capabilities to register for this container id.
func (h *Handlers) Init(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "container_id")

	var req abi.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, abi.Wrap(abi.KindBadRequest, err))
		return
	}

	compiled, err := base64.StdEncoding.DecodeString(req.CompiledModuleB64)
	if err != nil {
		writeError(w, abi.New(abi.KindBadRequest, "compiled_module is not valid base64"))
		return
	}

	if err := h.rt.Initialize(r.Context(), containerID, req.Capabilities, compiled); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "initialized", "container_id": containerID})
}

// Run handles POST /{container_id}/run: the body is the request JSON
// value, passed (after asset substitution) to the runtime backend.
// A top-level "models" array routes the call through the parallel
// dispatcher instead of a single invocation.
func (h *Handlers) Run(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "container_id")

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, abi.Wrap(abi.KindBadRequest, err))
		return
	}

	if raw, ok := fields["models"]; ok {
		var models []string
		if err := json.Unmarshal(raw, &models); err != nil {
			writeError(w, abi.New(abi.KindBadRequest, "models must be an array of URLs"))
			return
		}
		if h.dispatcher == nil {
			writeError(w, abi.New(abi.KindBadRequest, "this backend does not support parallel model dispatch"))
			return
		}
		delete(fields, "models")
		input, err := json.Marshal(fields)
		if err != nil {
			writeError(w, abi.Wrap(abi.KindMarshal, err))
			return
		}
		out, err := h.dispatcher.Run(r.Context(), containerID, input, models)
		if err != nil {
			writeError(w, err)
			return
		}
		writeRaw(w, http.StatusOK, out)
		return
	}

	// Backends that accept a model out-of-band (wasi-nn over the
	// linear-memory ABI) get the model field fetched and handed to
	// RunWithModel via set_model, rather than Base64-inlined into the
	// JSON the way the component ABI wants it.
	if runner, ok := h.rt.(modelRunner); ok && h.fetcher != nil {
		if raw, ok := fields["model"]; ok {
			var ref string
			if err := json.Unmarshal(raw, &ref); err == nil && fetcher.LooksLikeRef(ref) {
				modelBytes, err := h.fetcher.Fetch(r.Context(), ref)
				if err != nil {
					writeError(w, err)
					return
				}
				delete(fields, "model")
				if err := h.fetcher.SubstituteImages(r.Context(), fields); err != nil {
					writeError(w, err)
					return
				}
				input, err := json.Marshal(fields)
				if err != nil {
					writeError(w, abi.Wrap(abi.KindMarshal, err))
					return
				}
				out, err := runner.RunWithModel(r.Context(), containerID, input, modelBytes)
				if err != nil {
					writeError(w, err)
					return
				}
				writeRaw(w, http.StatusOK, out)
				return
			}
		}
	}

	if h.fetcher != nil {
		if err := h.fetcher.Substitute(r.Context(), fields); err != nil {
			writeError(w, err)
			return
		}
	}

	input, err := json.Marshal(fields)
	if err != nil {
		writeError(w, abi.Wrap(abi.KindMarshal, err))
		return
	}

	out, err := h.rt.Run(r.Context(), containerID, input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, out)
}

// modelRunner is satisfied by runtime backends (currently
// LinearMemRuntime) that accept a model payload out-of-band alongside
// the request input, for wasi-nn-style guests.
type modelRunner interface {
	RunWithModel(ctx context.Context, containerID string, input json.RawMessage, modelBytes []byte) (json.RawMessage, error)
}

// Destroy handles POST /{container_id}/destroy: always 200, even for
// an id that was never registered.
func (h *Handlers) Destroy(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "container_id")
	h.rt.Destroy(containerID)
	log.Printf("destroyed container %s", containerID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "container_id": containerID})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, err error) {
	ae, ok := abi.As(err)
	if !ok {
		ae = abi.Wrap(abi.KindBadRequest, err)
	}
	log.Printf("request error: %v", ae)
	writeJSON(w, ae.Kind.Status(), ae.JSON())
}

// Package httpapi is the bundled HTTP/REST control plane over
// pkg/pserver.Storage: model initialization (POST /models) and node
// introspection, plus a /debug/embedshard/snapshot endpoint mirroring
// the teacher's /debug/arena-cache/snapshot for cmd/embedshard-ctl. Built
// on a bare net/http.ServeMux, following examples/disk_eject and
// cmd/arena-cache-inspect's avoidance of a router framework.
//
// © 2025 embedshard authors. MIT License.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Voskan/embedshard/internal/perrors"
	"github.com/Voskan/embedshard/pkg/pserver"
)

// Handler serves the control plane for one Storage.
type Handler struct {
	storage *pserver.Storage
	logger  *zap.Logger
	mux     *http.ServeMux
}

// New builds a Handler wired to storage; logger may be nil (nop).
func New(storage *pserver.Storage, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{storage: storage, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("/models", h.handleModels)
	h.mux.HandleFunc("/models/", h.handleModel)
	h.mux.HandleFunc("/nodes", h.handleNodes)
	h.mux.HandleFunc("/nodes/", h.handleNode)
	h.mux.HandleFunc("/debug/embedshard/snapshot", h.handleSnapshot)
	return h
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

// initModelRequest is the POST /models body: one variable's opaque YAML
// configuration (spec.md §6's "variable_config"), keyed by its numeric
// variable_id ("sign" in spec.md's model-identity vocabulary).
type initModelRequest struct {
	VariableID uint32 `json:"variable_id"`
	Config     string `json:"config"`
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req initModelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, perrors.InvalidConfigf("decode request: %v", err))
			return
		}
		if err := h.storage.Init(req.VariableID, req.Config); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"shard_num": h.storage.ShardNum()})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleModel(w http.ResponseWriter, r *http.Request) {
	signStr := strings.TrimPrefix(r.URL.Path, "/models/")
	sign, err := strconv.ParseUint(signStr, 10, 32)
	if err != nil {
		writeError(w, perrors.InvalidID("malformed variable id"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		due, err := h.storage.PersistDue(0)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"variable_id": sign, "persist_due": due[uint32(sign)]})
	case http.MethodDelete:
		// Storage exposes no per-variable deletion or clearing, so this
		// endpoint reports deletion as unsupported via InvalidConfig rather
		// than silently no-op'ing.
		writeError(w, perrors.InvalidConfig("model deletion not supported"))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shard_num": h.storage.ShardNum()})
}

func (h *Handler) handleNode(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/nodes/")
	id, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil {
		writeError(w, perrors.InvalidID("malformed node id"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		due, err := h.storage.PersistDue(int32(id))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"shard_id": id, "persist_due": due})
	case http.MethodDelete:
		writeError(w, perrors.InvalidConfig("node removal not supported by this control plane"))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := map[string]any{
		"shard_num": h.storage.ShardNum(),
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a perrors.Kind to a status code: InvalidID -> 404,
// everything else this package originates -> 403, per SPEC_FULL.md §6.3.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusForbidden
	if perrors.Kind0(err) == perrors.KindInvalidID {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

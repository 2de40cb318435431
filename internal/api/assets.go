package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-gateway/internal/adapter"
	"github.com/nerrad567/gray-logic-gateway/internal/asset"
	"github.com/nerrad567/gray-logic-gateway/internal/audit"
)

// replaceResponse is returned by PUT /assets and POST /assets/validate.
type replaceResponse struct {
	OK       bool     `json:"ok"`
	Version  string   `json:"version"`
	Assets   int      `json:"assets"`
	Warnings []string `json:"warnings"`
}

// validationResponse reports a document that failed structural checks.
type validationResponse struct {
	Error
	Problems []string `json:"problems"`
}

// handleGetAssets returns the active asset document verbatim.
func (s *Server) handleGetAssets(w http.ResponseWriter, _ *http.Request) {
	data, err := s.manager.Registry().Document().Bytes()
	if err != nil {
		writeInternalError(w, "encoding asset document failed")
		return
	}
	writeRawJSON(w, http.StatusOK, data)
}

// readDocument reads and structurally validates a request body. It writes
// the error response itself and returns nil on failure.
func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) (*asset.Document, []byte) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "asset document too large")
			return nil, nil
		}
		writeBadRequest(w, "reading request body failed")
		return nil, nil
	}

	doc, err := asset.Parse(body)
	if err != nil {
		resp := validationResponse{
			Error: Error{Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "invalid asset document"},
		}
		var verr *asset.ValidationError
		if errors.As(err, &verr) {
			resp.Problems = verr.Problems
		} else {
			resp.Problems = []string{err.Error()}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return nil, nil
	}
	return doc, body
}

func (s *Server) lint(body []byte) []string {
	if !s.assetsCfg.SchemaLint {
		return []string{}
	}
	warnings := asset.Lint(body)
	if warnings == nil {
		warnings = []string{}
	}
	return warnings
}

// handleValidateAssets checks a document without applying it.
func (s *Server) handleValidateAssets(w http.ResponseWriter, r *http.Request) {
	doc, body := s.readDocument(w, r)
	if doc == nil {
		return
	}
	writeJSON(w, http.StatusOK, replaceResponse{
		OK:       true,
		Version:  doc.Version,
		Assets:   len(doc.Assets),
		Warnings: s.lint(body),
	})
}

// handlePutAssets replaces the asset document.
//
// Structural errors reject the request and leave the active document in
// place. Lint warnings are advisory and returned with the success
// response. The document is persisted before it is applied, so a failed
// write changes nothing.
func (s *Server) handlePutAssets(w http.ResponseWriter, r *http.Request) {
	doc, body := s.readDocument(w, r)
	if doc == nil {
		return
	}
	warnings := s.lint(body)

	if s.assetsCfg.Path != "" {
		if err := asset.Save(s.assetsCfg.Path, doc); err != nil {
			s.logger.Error("persisting asset document failed", "path", s.assetsCfg.Path, "error", err)
			writeInternalError(w, "persisting asset document failed")
			return
		}
	}

	s.manager.SetAssets(doc)

	s.logger.Info("asset document replaced",
		"version", doc.Version,
		"assets", len(doc.Assets),
		"warnings", len(warnings),
	)
	s.recorder.Record(audit.Entry{
		Action:     audit.ActionAssetsReplace,
		EntityType: audit.EntityAssetDocument,
		EntityID:   doc.Version,
		Actor:      actorFromContext(r.Context()),
		Source:     audit.SourceAPI,
		Details: map[string]any{
			"assets":   len(doc.Assets),
			"warnings": len(warnings),
		},
	})

	writeJSON(w, http.StatusOK, replaceResponse{
		OK:       true,
		Version:  doc.Version,
		Assets:   len(doc.Assets),
		Warnings: warnings,
	})
}

// handleGetState returns every cached control value in asset scope.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	states := s.manager.Snapshot()
	if states == nil {
		states = []adapter.State{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

// handleSetControl is the REST form of the push channel's "set" message.
func (s *Server) handleSetControl(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "id")
	controlKey := chi.URLParam(r, "control")

	var req struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Value) == 0 {
		writeBadRequest(w, `body must be {"value": ...}`)
		return
	}
	var value any
	if err := json.Unmarshal(req.Value, &value); err != nil {
		writeBadRequest(w, "invalid value")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	if err := s.manager.SetValue(ctx, assetID, controlKey, value); err != nil {
		switch {
		case errors.Is(err, adapter.ErrAssetNotFound),
			errors.Is(err, adapter.ErrControlIDMissing),
			errors.Is(err, adapter.ErrAdapterNotFound):
			writeNotFound(w, err.Error())
		default:
			s.logger.Warn("control command failed", "asset", assetID, "control", controlKey, "error", err)
			writeError(w, http.StatusBadGateway, ErrCodeDevice, err.Error())
		}
		return
	}

	s.hub.echo(assetID, controlKey, value)
	s.recorder.Record(audit.Entry{
		Action:     audit.ActionControlSet,
		EntityType: audit.EntityControl,
		EntityID:   assetID + "." + controlKey,
		Actor:      actorFromContext(r.Context()),
		Source:     audit.SourceAPI,
		Details:    map[string]any{"value": value},
	})

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// adapterInfo describes one registered adapter.
type adapterInfo struct {
	Key      string         `json:"key"`
	UIConfig bool           `json:"ui_config"`
	Stats    map[string]any `json:"stats,omitempty"`
}

func (s *Server) handleListAdapters(w http.ResponseWriter, _ *http.Request) {
	keys := s.manager.Keys()
	out := make([]adapterInfo, 0, len(keys))
	for _, key := range keys {
		a, ok := s.manager.Adapter(key)
		if !ok {
			continue
		}
		info := adapterInfo{Key: key}
		if _, ok := a.(adapter.UIConfigProvider); ok {
			info.UIConfig = true
		}
		if sp, ok := a.(adapter.StatsProvider); ok {
			info.Stats = sp.Stats()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"adapters": out})
}

// handleAdapterUIConfig proxies the device-side control catalogue for the
// asset editor.
func (s *Server) handleAdapterUIConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	a, ok := s.manager.Adapter(key)
	if !ok {
		writeNotFound(w, "adapter not found: "+key)
		return
	}
	p, ok := a.(adapter.UIConfigProvider)
	if !ok {
		writeNotFound(w, "adapter has no ui config: "+key)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	data, err := p.UIConfig(ctx)
	if err != nil {
		s.logger.Warn("fetching adapter ui config failed", "adapter", key, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeDevice, err.Error())
		return
	}
	writeRawJSON(w, http.StatusOK, data)
}

package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/formulabench/internal/cache"
	"github.com/roach88/formulabench/internal/engine"
	"github.com/roach88/formulabench/internal/ir"
	"github.com/roach88/formulabench/internal/tracker"
)

// maxCellBody bounds a single cell value payload.
const maxCellBody = 1 << 20

// FormulaResponse describes the active formula.
type FormulaResponse struct {
	Formula  ir.FormulaSchema `json:"formula"`
	Compiled bool             `json:"compiled"`
}

// RowResponse is a row plus its calculation phase.
type RowResponse struct {
	ir.Row
	Phase engine.Phase `json:"phase"`
}

// DebugResponse bundles the diagnostics shown in the debug panel.
type DebugResponse struct {
	Tracker tracker.DebugInfo `json:"tracker"`
	Rows    engine.RowMetrics `json:"rows"`
	Cache   cache.Stats       `json:"cache"`
}

func (s *Server) handleGetFormula(w http.ResponseWriter, r *http.Request) {
	f := s.eng.Formula()
	if f == nil {
		writeError(w, http.StatusNotFound, engine.ErrNoFormula.Error())
		return
	}
	_, compiled := s.cache.Get(f.ID, f.SourceHash)
	writeJSON(w, http.StatusOK, FormulaResponse{Formula: *f, Compiled: compiled})
}

func (s *Server) handleListFormulas(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.formulas))
	for id := range s.formulas {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	writeJSON(w, http.StatusOK, map[string][]string{"formulas": ids})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "formulaID")
	s.mu.RLock()
	schema, ok := s.formulas[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown formula: "+id)
		return
	}

	if err := s.eng.SetFormula(r.Context(), schema, s.rows); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.handleGetFormula(w, r)
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	err := s.eng.Compile(r.Context())
	switch {
	case errors.Is(err, engine.ErrNoFormula):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.handleGetFormula(w, r)
	}
}

func (s *Server) handleListRows(w http.ResponseWriter, r *http.Request) {
	rows := s.eng.Snapshot()
	out := make([]RowResponse, len(rows))
	for i, row := range rows {
		out[i] = RowResponse{Row: row, Phase: s.eng.Phase(row.ID)}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUpdateCell writes the JSON body as the cell value. An empty body
// clears the cell.
func (s *Server) handleUpdateCell(w http.ResponseWriter, r *http.Request) {
	rowID := chi.URLParam(r, "rowID")
	column, err := url.PathUnescape(chi.URLParam(r, "column"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid column: "+err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCellBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var value ir.IRValue
	if len(body) > 0 {
		if value, err = ir.ParseJSON(body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON value: "+err.Error())
			return
		}
	}

	if err := s.eng.HandleCellUpdate(rowID, column, value); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCalculateRow(w http.ResponseWriter, r *http.Request) {
	rowID := chi.URLParam(r, "rowID")
	if s.eng.Formula() == nil {
		writeError(w, http.StatusConflict, engine.ErrNoFormula.Error())
		return
	}

	out, err := s.eng.RecalculateRow(r.Context(), rowID, ir.TriggerManual)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCalculateAll(w http.ResponseWriter, r *http.Request) {
	if s.eng.Formula() == nil {
		writeError(w, http.StatusConflict, engine.ErrNoFormula.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.eng.ExecuteAllRows(r.Context()))
}

// handleSnapshot saves the active formula and its rows to the store.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "persistence is not configured")
		return
	}
	f := s.eng.Formula()
	if f == nil {
		writeError(w, http.StatusConflict, engine.ErrNoFormula.Error())
		return
	}

	rows := s.eng.Snapshot()
	if err := s.store.SaveFormula(r.Context(), *f, len(rows), s.now()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.SaveRows(r.Context(), f.ID, rows); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"formula_id": f.ID, "rows": len(rows)})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DebugResponse{
		Tracker: s.eng.DebugInfo(),
		Rows:    s.eng.Metrics(),
		Cache:   s.cache.Stats(),
	})
}

func (s *Server) handleDebugState(w http.ResponseWriter, r *http.Request) {
	states := s.eng.StateTable()
	if states == nil {
		states = []ir.RowState{}
	}
	writeJSON(w, http.StatusOK, states)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownRow), errors.Is(err, engine.ErrUnknownColumn):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrReservedColumn):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoFormula):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

package httpapi

import (
	"net/http"
	"strings"
	"time"

	"tradeguard.io/internal/audit"
)

type auditLogsResponse struct {
	Logs   []audit.Entry `json:"logs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f audit.Filter
	f.UserID = strings.TrimSpace(q.Get("user_id"))
	f.SecurityFlag = strings.ToUpper(strings.TrimSpace(q.Get("flag")))

	var err error
	if f.StartDate, err = parseTime(q.Get("start")); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "start must be RFC3339")
		return
	}
	if f.EndDate, err = parseTime(q.Get("end")); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "end must be RFC3339")
		return
	}
	if f.MinRiskScore, err = parseNonNegativeInt(q.Get("min_risk"), 0); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	limit, err := parseNonNegativeInt(q.Get("limit"), audit.DefaultQueryLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	offset, err := parseNonNegativeInt(q.Get("offset"), 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	limit = audit.ClampLimit(limit)

	logs, err := a.audit.Query(r.Context(), f, limit, offset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "audit query failed")
		return
	}
	if logs == nil {
		logs = []audit.Entry{}
	}
	total, err := a.audit.Count(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, auditLogsResponse{
		Logs:   logs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (a *API) handleAuditAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseNonNegativeInt(r.URL.Query().Get("limit"), audit.DefaultQueryLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	alerts, err := a.audit.Alerts(r.Context(), audit.ClampLimit(limit))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "alert query failed")
		return
	}
	if alerts == nil {
		alerts = []audit.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

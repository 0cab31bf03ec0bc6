package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

const usageColumns = "COUNT(*) AS requests, " +
	"COALESCE(SUM(tokens_in),0) AS tokens_in, " +
	"COALESCE(SUM(tokens_out),0) AS tokens_out, " +
	"COALESCE(SUM(cache_creation_tokens),0) AS cache_creation_tokens, " +
	"COALESCE(SUM(cache_read_tokens),0) AS cache_read_tokens, " +
	"COALESCE(SUM(cost_cents),0) AS cost_cents"

type usageSummary struct {
	Group               string `json:"group,omitempty" gorm:"column:group_key"`
	Model               string `json:"model,omitempty"`
	Requests            int64  `json:"requests"`
	TokensIn            int64  `json:"tokens_in"`
	TokensOut           int64  `json:"tokens_out"`
	CacheCreationTokens int64  `json:"cache_creation_tokens"`
	CacheReadTokens     int64  `json:"cache_read_tokens"`
	CostCents           int64  `json:"cost_cents"`
	CostUSD             string `json:"cost_usd" gorm:"-"`
}

// usageRange applies ?since=YYYY-MM-DD&until=YYYY-MM-DD, both inclusive and
// in the billing time zone.
func (s *Server) usageRange(q *gorm.DB, r *http.Request) (*gorm.DB, error) {
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.ParseInLocation("2006-01-02", since, s.loc)
		if err != nil {
			return nil, fmt.Errorf("invalid since: %w", err)
		}
		q = q.Where("created_at >= ?", t.UTC())
	}
	if until := r.URL.Query().Get("until"); until != "" {
		t, err := time.ParseInLocation("2006-01-02", until, s.loc)
		if err != nil {
			return nil, fmt.Errorf("invalid until: %w", err)
		}
		q = q.Where("created_at < ?", t.AddDate(0, 0, 1).UTC())
	}
	return q, nil
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}

// GetUsage returns aggregate usage, optionally grouped by instance, account,
// model or day.
func (s *Server) GetUsage(w http.ResponseWriter, r *http.Request) {
	query, err := s.usageRange(s.db.WithContext(r.Context()).Model(&database.UsageLog{}), r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if acct := r.URL.Query().Get("account_id"); acct != "" {
		query = query.Where("account_id = ?", acct)
	}

	var results []usageSummary
	groupBy := r.URL.Query().Get("group_by")
	switch groupBy {
	case "instance":
		err = query.Select("instance_id AS group_key, " + usageColumns).Group("instance_id").Order("cost_cents DESC").Scan(&results).Error
	case "account":
		err = query.Select("account_id AS group_key, " + usageColumns).Group("account_id").Order("cost_cents DESC").Scan(&results).Error
	case "model":
		err = query.Select("model AS group_key, " + usageColumns).Group("model").Order("cost_cents DESC").Scan(&results).Error
	case "day":
		// UTC days: created_at is stored in UTC.
		err = query.Select("CAST(DATE(created_at) AS TEXT) AS group_key, " + usageColumns).Group("CAST(DATE(created_at) AS TEXT)").Order("group_key DESC").Scan(&results).Error
	case "":
		var total usageSummary
		err = query.Select(usageColumns).Scan(&total).Error
		total.Group = "total"
		results = []usageSummary{total}
	default:
		writeError(w, http.StatusBadRequest, "group_by must be instance, account, model or day")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to aggregate usage")
		return
	}

	for i := range results {
		results[i].CostUSD = formatCents(results[i].CostCents)
	}
	writeJSON(w, http.StatusOK, results)
}

// GetInstanceUsage returns one instance's usage per model.
func (s *Server) GetInstanceUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	query, err := s.usageRange(s.db.WithContext(r.Context()).Model(&database.UsageLog{}).Where("instance_id = ?", id), r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var results []usageSummary
	if err := query.Select("model, " + usageColumns).Group("model").Order("cost_cents DESC").Scan(&results).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to aggregate usage")
		return
	}

	for i := range results {
		results[i].CostUSD = formatCents(results[i].CostCents)
	}
	writeJSON(w, http.StatusOK, results)
}

package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// reportCacheTTL keeps report queries off the database during busy periods
// such as the lunch rush.
const reportCacheTTL = 60 * time.Second

type ReportService struct {
	db    *sql.DB
	redis *redis.Client
}

// TypeSummary aggregates transactions of one type
// @Description Per-type transaction summary
type TypeSummary struct {
	Type          string  `json:"type" example:"purchase"`
	Count         int64   `json:"count" example:"120"`
	TotalAmount   int64   `json:"total_amount" example:"1800000"` // Sum in rupiah
	AverageAmount float64 `json:"average_amount" example:"15000"`
}

// DailyTotal aggregates completed transactions per day
// @Description Daily turnover row
type DailyTotal struct {
	Date        string `json:"date" example:"2026-08-27"`
	Count       int64  `json:"count" example:"45"`
	TotalAmount int64  `json:"total_amount" example:"675000"`
}

// TopProduct is one row of the best-sellers report
// @Description Best-selling product row
type TopProduct struct {
	ProductID    *int64 `json:"product_id" example:"7"`
	ProductName  string `json:"product_name" example:"Nasi Goreng"`
	QuantitySold int64  `json:"quantity_sold" example:"230"`
	Revenue      int64  `json:"revenue" example:"3450000"`
}

func NewReportService(db *sql.DB, redisClient *redis.Client) *ReportService {
	return &ReportService{db: db, redis: redisClient}
}

// Summary reports totals per transaction type
// @Summary Transaction summary
// @Description Count, sum and average of completed transactions per type, optionally bounded by date
// @Tags reports
// @Produce json
// @Param from query string false "Start date (YYYY-MM-DD)"
// @Param to query string false "End date (YYYY-MM-DD)"
// @Success 200 {array} TypeSummary "Summary"
// @Security BearerAuth
// @Router /reports/summary [get]
func (s *ReportService) Summary(w http.ResponseWriter, r *http.Request) {
	from, to, ok := s.dateRange(w, r)
	if !ok {
		return
	}

	cacheKey := fmt.Sprintf("report:summary:%s:%s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	if s.serveCached(w, r, cacheKey) {
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT type, COUNT(*), COALESCE(SUM(total_amount), 0), COALESCE(AVG(total_amount), 0)
		FROM transactions
		WHERE status = 'completed' AND created_at >= $1 AND created_at < $2
		GROUP BY type
		ORDER BY type`, from, to)
	if err != nil {
		log.Printf("[REPORT] Summary query failed: %v", err)
		SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	summaries := []TypeSummary{}
	for rows.Next() {
		var ts TypeSummary
		if err := rows.Scan(&ts.Type, &ts.Count, &ts.TotalAmount, &ts.AverageAmount); err != nil {
			log.Printf("[REPORT] Failed to scan summary row: %v", err)
			SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
			return
		}
		summaries = append(summaries, ts)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[REPORT] Summary rows iteration error: %v", err)
		SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
		return
	}

	s.cacheAndSend(w, r, cacheKey, summaries)
}

// DailyTotals reports per-day purchase turnover
// @Summary Daily totals
// @Description Per-day count and sum of completed purchases
// @Tags reports
// @Produce json
// @Param from query string false "Start date (YYYY-MM-DD)"
// @Param to query string false "End date (YYYY-MM-DD)"
// @Success 200 {array} DailyTotal "Daily totals"
// @Security BearerAuth
// @Router /reports/daily [get]
func (s *ReportService) DailyTotals(w http.ResponseWriter, r *http.Request) {
	from, to, ok := s.dateRange(w, r)
	if !ok {
		return
	}

	cacheKey := fmt.Sprintf("report:daily:%s:%s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	if s.serveCached(w, r, cacheKey) {
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT TO_CHAR(created_at, 'YYYY-MM-DD') AS day, COUNT(*), COALESCE(SUM(total_amount), 0)
		FROM transactions
		WHERE type = 'purchase' AND status = 'completed' AND created_at >= $1 AND created_at < $2
		GROUP BY day
		ORDER BY day`, from, to)
	if err != nil {
		log.Printf("[REPORT] Daily totals query failed: %v", err)
		SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	totals := []DailyTotal{}
	for rows.Next() {
		var dt DailyTotal
		if err := rows.Scan(&dt.Date, &dt.Count, &dt.TotalAmount); err != nil {
			log.Printf("[REPORT] Failed to scan daily row: %v", err)
			SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
			return
		}
		totals = append(totals, dt)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[REPORT] Daily rows iteration error: %v", err)
		SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
		return
	}

	s.cacheAndSend(w, r, cacheKey, totals)
}

// TopProducts reports best sellers by quantity
// @Summary Top products
// @Description Best-selling products by quantity across completed purchases
// @Tags reports
// @Produce json
// @Param from query string false "Start date (YYYY-MM-DD)"
// @Param to query string false "End date (YYYY-MM-DD)"
// @Success 200 {array} TopProduct "Top products"
// @Security BearerAuth
// @Router /reports/top-products [get]
func (s *ReportService) TopProducts(w http.ResponseWriter, r *http.Request) {
	from, to, ok := s.dateRange(w, r)
	if !ok {
		return
	}

	cacheKey := fmt.Sprintf("report:top:%s:%s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	if s.serveCached(w, r, cacheKey) {
		return
	}

	// Deleted products appear with a null id under their snapshot revenue.
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT d.product_id, COALESCE(p.name, '(deleted product)'),
		       SUM(d.quantity), SUM(d.quantity * d.unit_price_at_sale)
		FROM transaction_details d
		JOIN transactions t ON t.id = d.transaction_id
		LEFT JOIN products p ON p.id = d.product_id
		WHERE t.type = 'purchase' AND t.status = 'completed'
		  AND t.created_at >= $1 AND t.created_at < $2
		GROUP BY d.product_id, p.name
		ORDER BY SUM(d.quantity) DESC
		LIMIT 10`, from, to)
	if err != nil {
		log.Printf("[REPORT] Top products query failed: %v", err)
		SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	top := []TopProduct{}
	for rows.Next() {
		var tp TopProduct
		if err := rows.Scan(&tp.ProductID, &tp.ProductName, &tp.QuantitySold, &tp.Revenue); err != nil {
			log.Printf("[REPORT] Failed to scan top product row: %v", err)
			SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
			return
		}
		top = append(top, tp)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[REPORT] Top product rows iteration error: %v", err)
		SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
		return
	}

	s.cacheAndSend(w, r, cacheKey, top)
}

// dateRange parses the from/to query params, defaulting to the last 30 days.
// The upper bound is exclusive and moved one day past the given end date.
func (s *ReportService) dateRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	now := time.Now()
	from := now.AddDate(0, 0, -30).Truncate(24 * time.Hour)
	to := now.AddDate(0, 0, 1).Truncate(24 * time.Hour)

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			SendErrorResponse(w, "Invalid from date", http.StatusBadRequest, nil)
			return time.Time{}, time.Time{}, false
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			SendErrorResponse(w, "Invalid to date", http.StatusBadRequest, nil)
			return time.Time{}, time.Time{}, false
		}
		to = t.AddDate(0, 0, 1)
	}

	return from, to, true
}

func (s *ReportService) serveCached(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.redis == nil {
		return false
	}

	cached, err := s.redis.Get(r.Context(), key).Result()
	if err != nil {
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "HIT")
	w.Write([]byte(cached))
	return true
}

func (s *ReportService) cacheAndSend(w http.ResponseWriter, r *http.Request, key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("[REPORT] Failed to marshal report: %v", err)
		SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
		return
	}

	if s.redis != nil {
		if err := s.redis.Set(r.Context(), key, payload, reportCacheTTL).Err(); err != nil {
			log.Printf("[REPORT] Failed to cache report %s: %v", key, err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

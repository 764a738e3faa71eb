package metrics

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultKVTable = "kv_entries"

// kvCountQueries returns the staged-write and cached-topic count queries for
// the cache table.
func kvCountQueries(table string) (staged, cached string) {
	if table == "" {
		table = defaultKVTable
	}
	staged = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE namespace = 'write' AND value IS NOT NULL", table)
	cached = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE namespace = 'cache'", table)
	return staged, cached
}

func registerDBMetrics(db *sql.DB, table string, logger *log.Logger) {
	stagedQuery, cachedQuery := kvCountQueries(table)
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "staged_writes",
			Help: "Staged writes waiting for a flush",
		},
		func() float64 {
			return queryCount(db, logger, stagedQuery)
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "cached_topics",
			Help: "Topics with a last-seen value",
		},
		func() float64 {
			return queryCount(db, logger, cachedQuery)
		},
	))
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}

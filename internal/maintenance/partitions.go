// Package maintenance manages the daily prefix_log partitions: creating
// upcoming ones, dropping those past retention, and refreshing the churn
// summary view.
package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var validPartitionName = regexp.MustCompile(`^prefix_log_\d{8}$`)

const partitionDateLayout = "20060102"

type PartitionManager struct {
	pool          *pgxpool.Pool
	retentionDays int
	timezone      string
	logger        *zap.Logger
}

func NewPartitionManager(pool *pgxpool.Pool, retentionDays int, timezone string, logger *zap.Logger) *PartitionManager {
	return &PartitionManager{
		pool:          pool,
		retentionDays: retentionDays,
		timezone:      timezone,
		logger:        logger,
	}
}

func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.CreatePartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := pm.DropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	if err := pm.RefreshSummary(ctx); err != nil {
		return fmt.Errorf("refreshing churn summary: %w", err)
	}
	return nil
}

// RefreshSummary refreshes the prefix_churn_summary materialized view.
// A failed refresh is logged but not fatal; the view may not exist until
// the first migration run.
func (pm *PartitionManager) RefreshSummary(ctx context.Context) error {
	if _, err := pm.pool.Exec(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY prefix_churn_summary"); err != nil {
		pm.logger.Warn("refresh of prefix_churn_summary failed", zap.Error(err))
	}
	return nil
}

func (pm *PartitionManager) location() (*time.Location, error) {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}
	return loc, nil
}

// CreatePartitions ensures daily partitions exist for today and tomorrow,
// with day boundaries taken in the configured timezone.
func (pm *PartitionManager) CreatePartitions(ctx context.Context) error {
	loc, err := pm.location()
	if err != nil {
		return err
	}

	now := time.Now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	for _, offset := range []int{0, 1} {
		from := midnight.AddDate(0, 0, offset)
		if err := pm.ensurePartition(ctx, from, from.AddDate(0, 0, 1)); err != nil {
			return err
		}
	}
	return nil
}

func (pm *PartitionManager) ensurePartition(ctx context.Context, from, to time.Time) error {
	name := "prefix_log_" + from.Format(partitionDateLayout)
	ident := pgx.Identifier{name}.Sanitize()

	const boundLayout = "2006-01-02 15:04:05+00"
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF prefix_log FOR VALUES FROM ('%s') TO ('%s')`,
		ident, from.UTC().Format(boundLayout), to.UTC().Format(boundLayout))
	if _, err := pm.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	pm.logger.Info("partition ensured", zap.String("partition", name))

	// Partitioned-table indexes do not propagate to partitions created
	// with attach semantics, so each partition gets its own.
	indexes := []struct {
		suffix  string
		columns string
	}{
		{"prefix", "(peer_hash_id, afi, prefix, log_time DESC)"},
		{"peer", "(peer_hash_id, log_time DESC)"},
	}
	for _, idx := range indexes {
		idxIdent := pgx.Identifier{fmt.Sprintf("idx_%s_%s", name, idx.suffix)}.Sanitize()
		stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s %s`, idxIdent, ident, idx.columns)
		if _, err := pm.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating %s index on %s: %w", idx.suffix, name, err)
		}
	}
	return nil
}

// DropOldPartitions removes partitions whose day falls before the retention
// cutoff. Partitions with unexpected names are left alone.
func (pm *PartitionManager) DropOldPartitions(ctx context.Context) error {
	loc, err := pm.location()
	if err != nil {
		return err
	}

	cutoff := time.Now().In(loc).AddDate(0, 0, -pm.retentionDays)
	cutoffDay := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, loc)

	names, err := pm.listPartitions(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if !validPartitionName.MatchString(name) {
			pm.logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
			continue
		}

		day, err := time.ParseInLocation(partitionDateLayout, name[len(name)-8:], loc)
		if err != nil {
			pm.logger.Warn("cannot parse partition date", zap.String("partition", name))
			continue
		}
		if !day.Before(cutoffDay) {
			continue
		}

		drop := fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{name}.Sanitize())
		if _, err := pm.pool.Exec(ctx, drop); err != nil {
			return fmt.Errorf("dropping partition %s: %w", name, err)
		}
		pm.logger.Info("dropped expired partition",
			zap.String("partition", name),
			zap.Time("cutoff", cutoffDay),
		)
	}
	return nil
}

func (pm *PartitionManager) listPartitions(ctx context.Context) ([]string, error) {
	rows, err := pm.pool.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = 'prefix_log'::regclass`)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning partition name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating partitions: %w", err)
	}
	return names, nil
}

package mysqladapter

import (
	"context"
	"fmt"
	"strings"

	"dbsync/internal/recovery"
)

// preflight verifies the replication grants and binlog settings a
// capture session needs before starting one.
func (a *Adapter) preflight(ctx context.Context) error {
	db, err := a.handle()
	if err != nil {
		return err
	}

	required := []string{"REPLICATION SLAVE", "REPLICATION CLIENT", "SELECT"}

	var allGrants strings.Builder
	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		rows, err = db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		if allGrants.Len() > 0 {
			allGrants.WriteString("; ")
		}
		allGrants.WriteString(grant)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating grants: %w", err)
	}

	grantsUpper := strings.ToUpper(allGrants.String())
	if strings.Contains(grantsUpper, "ALL PRIVILEGES") {
		grantsUpper = strings.Join(required, " ")
	}
	missing := make([]string, 0)
	for _, priv := range required {
		if !strings.Contains(grantsUpper, priv) {
			missing = append(missing, priv)
		}
	}
	if len(missing) > 0 {
		return &recovery.CategorizedError{
			Category: recovery.CategoryPermission,
			Err:      fmt.Errorf("missing required permissions: %s", strings.Join(missing, ", ")),
		}
	}
	a.logger.Info("Replication permissions verified")

	var logBin string
	if err := db.QueryRowContext(ctx, "SELECT @@log_bin").Scan(&logBin); err == nil {
		if logBin == "0" || strings.EqualFold(logBin, "OFF") {
			return fmt.Errorf("binary logging (log_bin) is not enabled")
		}
	} else {
		a.logger.Warn("Could not verify binlog status")
	}

	var format string
	if err := db.QueryRowContext(ctx, "SELECT @@binlog_format").Scan(&format); err == nil {
		if !strings.EqualFold(format, "ROW") {
			a.logger.Warnf("binlog_format is %q, ROW is required for reliable capture", format)
		}
	}
	return nil
}

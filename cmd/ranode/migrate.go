package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/ravault/pkg/ratypes"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

// migrateCmd stamps on-disk failover_unit rows left by an older ranode
// build with the current schema_version, the way cmd/warren-migrate
// rewrote a stale bucket layout in place. Grounded on DESIGN.md's Open
// Question #1 resolution: unknown/missing schema versions are a corrupt-
// store condition at read time, so this tool exists to fix them up offline
// before they ever reach that check.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Stamp on-disk failover unit rows with the current schema version",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().String("data-dir", "./ranode-data", "ranode data directory")
	migrateCmd.Flags().Bool("dry-run", false, "Show what would be migrated without making changes")
	migrateCmd.Flags().String("backup", "", "Path to back up the database before migration (default: <data-dir>/kvstore.db.backup)")
}

const failoverUnitBucket = "rt_failover_unit"

func runMigrate(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backupPath, _ := cmd.Flags().GetString("backup")

	dbPath := filepath.Join(dataDir, "kvstore.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database not found at %s", dbPath)
	}

	fmt.Printf("database: %s\n", dbPath)
	fmt.Printf("dry run: %v\n", dryRun)

	if !dryRun {
		if backupPath == "" {
			backupPath = dbPath + ".backup"
		}
		fmt.Printf("creating backup: %s\n", backupPath)
		if err := copyFile(dbPath, backupPath); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
		fmt.Println("backup created")
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	migrated, total, err := migrateFailoverUnits(db, dryRun)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if dryRun {
		fmt.Printf("\ndry run: would stamp %d/%d rows with schema_version=%d\n", migrated, total, ratypes.CurrentSchemaVersion)
	} else {
		fmt.Printf("\nstamped %d/%d rows with schema_version=%d\n", migrated, total, ratypes.CurrentSchemaVersion)
	}
	return nil
}

func migrateFailoverUnits(db *bolt.DB, dryRun bool) (migrated, total int, err error) {
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(failoverUnitBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			total++

			var row ratypes.Row
			if jerr := json.Unmarshal(v, &row); jerr != nil {
				fmt.Printf("warning: skipping unparseable row %s: %v\n", k, jerr)
				return nil
			}
			if row.IsTombstone() {
				return nil
			}

			var ft map[string]interface{}
			if jerr := json.Unmarshal(row.Value, &ft); jerr != nil {
				fmt.Printf("warning: skipping unparseable failover unit %s: %v\n", k, jerr)
				return nil
			}

			version, _ := ft["schema_version"].(float64)
			if int(version) == ratypes.CurrentSchemaVersion {
				return nil
			}

			migrated++
			if dryRun {
				return nil
			}

			ft["schema_version"] = ratypes.CurrentSchemaVersion
			newValue, jerr := json.Marshal(ft)
			if jerr != nil {
				return fmt.Errorf("re-marshal failover unit %s: %w", k, jerr)
			}
			row.Value = newValue
			newRow, jerr := json.Marshal(row)
			if jerr != nil {
				return fmt.Errorf("re-marshal row %s: %w", k, jerr)
			}
			return b.Put(k, newRow)
		})
	})
	return migrated, total, err
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}

package main

import (
	"fmt"
	"io"

	"viewguard/internal/config"
	"viewguard/internal/security"
	"viewguard/internal/store"
)

// migrate prints the schema state of the configured store, reverting the
// newest migration first when rollback is set. It takes the pid file so it
// cannot run beside a live daemon. The next daemon start reapplies anything
// rolled back; roll back only before installing an older binary.
func migrate(cfg *config.Config, rollback bool, out io.Writer) error {
	pid, err := security.AcquirePidFile(cfg.Server.PidFile)
	if err != nil {
		return err
	}
	defer pid.Release()

	st, err := store.Open(cfg.Storage.Path, store.Options{BcryptCost: cfg.Storage.BcryptCost})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if rollback {
		before, err := store.GetMigrationStatus(st.DB())
		if err != nil {
			return err
		}
		if err := store.RollbackMigration(st.DB()); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		fmt.Fprintf(out, "Rolled back migration %d\n", before.CurrentVersion)
	}

	status, err := store.GetMigrationStatus(st.DB())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Schema version: %d (latest %d)\n", status.CurrentVersion, status.LatestVersion)
	for _, m := range status.Pending {
		fmt.Fprintf(out, "  pending %d: %s\n", m.Version, m.Description)
	}
	return nil
}

package replicatedstore

import (
	"context"

	"github.com/cuemby/ravault/pkg/kvstore"
)

// BackupLocal snapshots this replica's local engine state to dir without
// going through raft (spec §4.3 point 6 "backup/restore"). Intended for
// operator-triggered backups of a quiesced secondary, not for catch-up.
func (s *Store) BackupLocal(ctx context.Context, dir string, mode kvstore.BackupMode) error {
	return s.engine.Backup(ctx, dir, mode)
}

// RestoreLocal replaces this replica's local engine state from a prior
// BackupLocal output. Callers must ensure this replica is not currently
// serving reads/writes as part of an active raft group (typically used to
// seed a freshly provisioned node before it joins via AddVoter).
func (s *Store) RestoreLocal(ctx context.Context, dir string) error {
	return s.engine.Restore(ctx, dir)
}

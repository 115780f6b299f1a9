package dma

import "fmt"

// controlObjectName returns the shared-memory object name for the pool's
// control region: "/<pg-name>.<port>.ctl" — always even-revision-free,
// since the table itself is never destroyed and recreated, only the
// segments it describes.
func controlObjectName(cfg *Config) string {
	return fmt.Sprintf("/%s.%d.ctl", cfg.ProcessGroupName, cfg.Port)
}

// segmentObjectName returns the shared-memory object name for one
// segment's payload:
// "/<pg-name>.<port>.<segment_id>:<revision/2>" — the revision/2 suffix
// changes every time a segment is destroyed and recreated, so a process
// that attaches using a stale revision gets ENOENT instead of silently
// mapping a different segment's data.
func segmentObjectName(cfg *Config, segmentID uint32, revision uint64) string {
	return fmt.Sprintf("/%s.%d.%d:%d", cfg.ProcessGroupName, cfg.Port, segmentID, revision/2)
}

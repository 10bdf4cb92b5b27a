package mvstore

import (
	"time"
)

// runBackgroundWriter commits every AutoCommitDelay and whenever unsaved
// memory crosses AutoCommitBufferSize. After a commit it compacts one step if
// the chunks are filled less than AutoCompactFillRate.
func (s *Store) runBackgroundWriter() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.AutoCommitDelay)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
		case <-s.rc.CommitNeeded():
		}
		if s.state.Load() != stateOpen {
			return
		}
		if !s.rc.TryAcquireBackground() {
			continue
		}
		s.writeInBackground()
		s.rc.ReleaseBackground()
	}
}

func (s *Store) writeInBackground() {
	if s.HasUnsavedChanges() {
		if _, err := s.Commit(); err != nil {
			s.logger.Warn("background commit failed", "error", err)
			return
		}
	}
	target := s.cfg.AutoCompactFillRate
	if target <= 0 || s.chunks.Len() < 2 || s.chunkFillRate() >= target {
		return
	}
	if _, err := s.Compact(target, compactWriteBytes); err != nil {
		s.logger.Warn("background compaction failed", "error", err)
	}
}

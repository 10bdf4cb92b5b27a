// Package resource implements the Controller that governs background work
// of one or more stores.
//
// The Controller manages three resources:
//
//   - Unsaved memory: pages changed since the last commit. Crossing the
//     auto-commit threshold signals the background writer.
//   - Background slots: the number of concurrent background commits and
//     compactions.
//   - IO: a token bucket that throttles compaction writes so they do not
//     starve foreground commits.
//
// # Unsaved Memory
//
//	rc := resource.NewController(resource.Config{
//	    AutoCommitMemory: 1 << 20,
//	})
//
//	if rc.AddUnsaved(pageMemory) {
//	    // threshold crossed; CommitNeeded() has been signalled
//	}
//	...
//	rc.ReleaseUnsaved(savedMemory)
//
// # Background Slots
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
// # IO Rate Limiting
//
//	if err := rc.AcquireIO(ctx, len(chunk)); err != nil {
//	    return err
//	}
//
// # Nil Safety
//
// All methods handle a nil Controller: tracking becomes a no-op and limits
// are never hit.
package resource

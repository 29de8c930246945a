// Package scopedguard runs a cleanup action exactly once, guaranteed on
// every exit path — covering the advisory lock, temporary working
// directories, and partial download files.
package scopedguard

import "sync"

// Guard runs its cleanup function at most once, whether triggered
// explicitly via Close or deferred by the caller.
type Guard struct {
	once    sync.Once
	cleanup func()
}

// New wraps cleanup in a Guard. Typical use:
//
//	g := scopedguard.New(func() { os.RemoveAll(tmpDir) })
//	defer g.Close()
func New(cleanup func()) *Guard {
	return &Guard{cleanup: cleanup}
}

// Close runs the cleanup action if it has not already run.
func (g *Guard) Close() {
	g.once.Do(func() {
		if g.cleanup != nil {
			g.cleanup()
		}
	})
}

// Release disarms the guard without running cleanup — used once
// ownership of the guarded resource has been transferred elsewhere
// (e.g. a partial download that was successfully committed).
func (g *Guard) Release() {
	g.once.Do(func() {})
}

//go:build linux

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// cgroupfs lets rmdir succeed while interface files exist; RemoveAll stands in
// for that on a plain filesystem.
func newTestParents(t *testing.T) *cgroupParents {
	t.Helper()
	p := newCgroupParents(t.TempDir())
	p.rmdir = os.RemoveAll
	return p
}

func TestCgroupParentOutlivesSiblingRuns(t *testing.T) {
	p := newTestParents(t)
	a, err := p.create("sub-1", "t1")
	if err != nil {
		t.Fatalf("create first run: %v", err)
	}
	b, err := p.create("sub-1", "t2")
	if err != nil {
		t.Fatalf("create second run: %v", err)
	}
	parent := filepath.Join(p.root, "sub-1")

	a.remove()
	if _, err := os.Stat(parent); err != nil {
		t.Fatalf("parent removed while a sibling run exists: %v", err)
	}
	c, err := p.create("sub-1", "t3")
	if err != nil {
		t.Fatalf("create run after sibling finished: %v", err)
	}

	b.remove()
	c.remove()
	if _, err := os.Stat(parent); !os.IsNotExist(err) {
		t.Fatalf("expected parent removed after the last run, got %v", err)
	}
	if len(p.refs) != 0 {
		t.Fatalf("expected no parent references, got %v", p.refs)
	}
}

func TestCgroupParentConcurrentRuns(t *testing.T) {
	p := newTestParents(t)
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cg, err := p.create("sub-1", fmt.Sprintf("t%d", i))
			if err != nil {
				errs <- err
				return
			}
			cg.remove()
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("create run cgroup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.root, "sub-1")); !os.IsNotExist(err) {
		t.Fatalf("expected parent removed, got %v", err)
	}
}

func TestCgroupCreateRequiresRoot(t *testing.T) {
	if _, err := newCgroupParents("").create("sub-1", "t1"); err == nil {
		t.Fatalf("expected error without cgroup root")
	}
}

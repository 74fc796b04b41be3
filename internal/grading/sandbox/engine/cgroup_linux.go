//go:build linux

package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"gradingnode/internal/grading/sandbox/spec"

	"github.com/google/uuid"
)

const cgroupControllers = "+cpu +memory +pids"

// runCgroup is a cgroup v2 leaf created for one run.
type runCgroup struct {
	path    string
	dir     *os.File
	parents *cgroupParents
}

// cgroupParents owns the per-submission cgroup directories. A parent is
// created by the first run of a submission and removed by the last one, both
// under mu, so a sibling never finds its parent gone between mkdir calls.
type cgroupParents struct {
	root  string
	rmdir func(string) error

	mu   sync.Mutex
	refs map[string]int
}

func newCgroupParents(root string) *cgroupParents {
	return &cgroupParents{root: root, rmdir: os.Remove, refs: make(map[string]int)}
}

func (p *cgroupParents) acquire(submissionID string) (string, error) {
	parent := filepath.Join(p.root, sanitizeName(submissionID))
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs[parent] == 0 {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return "", fmt.Errorf("create cgroup parent: %w", err)
		}
		enableControllers(p.root)
		enableControllers(parent)
	}
	p.refs[parent]++
	return parent, nil
}

func (p *cgroupParents) release(parent string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs[parent]--
	if p.refs[parent] > 0 {
		return
	}
	delete(p.refs, parent)
	_ = p.rmdir(parent)
}

func (p *cgroupParents) create(submissionID, testID string) (*runCgroup, error) {
	if p.root == "" {
		return nil, fmt.Errorf("cgroup root is required")
	}
	parent, err := p.acquire(submissionID)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(parent, fmt.Sprintf("%s-%s", sanitizeName(testID), uuid.NewString()[:8]))
	if err := os.Mkdir(path, 0o750); err != nil {
		p.release(parent)
		return nil, fmt.Errorf("create cgroup path: %w", err)
	}
	dir, err := os.Open(path)
	if err != nil {
		_ = os.Remove(path)
		p.release(parent)
		return nil, fmt.Errorf("open cgroup dir: %w", err)
	}
	return &runCgroup{path: path, dir: dir, parents: p}, nil
}

func (c *runCgroup) fd() int {
	return int(c.dir.Fd())
}

func (c *runCgroup) applyLimits(limits spec.ResourceLimit) error {
	pidsValue := "max"
	if limits.PIDs > 0 {
		pidsValue = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := writeCgroupValue(c.path, "pids.max", pidsValue); err != nil {
		return err
	}
	if limits.MemoryBytes > 0 {
		if err := writeCgroupValue(c.path, "memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return err
		}
		// Swap accounting may be disabled on the host.
		_ = writeCgroupValue(c.path, "memory.swap.max", "0")
	}
	return writeCgroupValue(c.path, "cpu.max", "max 100000")
}

func (c *runCgroup) kill() error {
	err := writeCgroupValue(c.path, "cgroup.kill", "1")
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// cpuUsageMs reads usage_usec from cpu.stat.
func (c *runCgroup) cpuUsageMs() (int64, bool) {
	data, err := os.ReadFile(filepath.Join(c.path, "cpu.stat"))
	if err != nil {
		return 0, false
	}
	val, ok := parseKeyedValue(string(data), "usage_usec")
	if !ok {
		return 0, false
	}
	return val / 1000, true
}

func (c *runCgroup) memoryCurrentKB() (int64, bool) {
	val, err := readCgroupInt(c.path, "memory.current")
	if err != nil {
		return 0, false
	}
	return val / 1024, true
}

func (c *runCgroup) memoryPeakKB() (int64, bool) {
	val, err := readCgroupInt(c.path, "memory.peak")
	if err != nil || val <= 0 {
		return 0, false
	}
	return val / 1024, true
}

func (c *runCgroup) oomKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	val, ok := parseKeyedValue(string(data), "oom_kill")
	return ok && val > 0
}

// remove deletes the leaf once the kernel released it, then drops its
// reference on the submission parent.
func (c *runCgroup) remove() {
	_ = c.dir.Close()
	for i := 0; i < 20; i++ {
		err := os.Remove(c.path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			break
		}
		if !errors.Is(err, syscall.EBUSY) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.parents.release(filepath.Dir(c.path))
}

func enableControllers(dir string) {
	_ = writeCgroupValue(dir, "cgroup.subtree_control", cgroupControllers)
}

func parseKeyedValue(data, key string) (int64, bool) {
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != key {
			continue
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return val, true
	}
	return 0, false
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0o640)
}

func sanitizeName(name string) string {
	if name == "" {
		return "anonymous"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

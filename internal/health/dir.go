package health

import (
	"context"
	"fmt"
	"os"
)

// DirChecker checks that a local store directory exists and is writable.
type DirChecker struct {
	root string
}

// NewDirChecker creates a checker for the directory at root.
func NewDirChecker(root string) *DirChecker {
	return &DirChecker{root: root}
}

// HealthCheck creates and removes a probe file in the directory.
func (d *DirChecker) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("stat %s: %w", d.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", d.root)
	}
	f, err := os.CreateTemp(d.root, ".health-*")
	if err != nil {
		return fmt.Errorf("%s not writable: %w", d.root, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

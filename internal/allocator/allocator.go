// Package allocator locates the tcmalloc shared library on the host and
// prepares it for preloading into the trainer process.
//
// Training workloads on Trainium nodes are sensitive to glibc malloc
// behavior under heavy host-memory churn; the launcher therefore forces the
// dynamic loader to use tcmalloc via LD_PRELOAD. The library ships with a
// versioned soname (libtcmalloc.so.4, libtcmalloc.so.4.5.9, ...), so
// discovery globs the install directory and selects the highest version.
package allocator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tsingmao/trnlaunch/internal/logger"
)

const (
	// DefaultSearchDir is where distribution packages install tcmalloc.
	DefaultSearchDir = "/usr/lib/x86_64-linux-gnu"

	// DefaultPrefix matches versioned tcmalloc sonames, e.g.
	// libtcmalloc.so.4 and libtcmalloc.so.4.5.9.
	DefaultPrefix = "libtcmalloc.so."

	// DefaultLinkPath is the stable symlink the launcher maintains so the
	// preload path survives library upgrades between runs.
	DefaultLinkPath = "/usr/lib/libtcmalloc.so"
)

// ErrNotFound reports that no matching allocator library exists in the
// search directory. This is the launcher's single fail-fast condition: the
// trainer must not be started without the allocator.
var ErrNotFound = errors.New("allocator library not found")

// Discover searches dir for shared libraries whose name starts with prefix
// and returns the path of the highest-versioned match.
//
// Version ordering is numeric per dotted component, so libtcmalloc.so.10
// sorts above libtcmalloc.so.2 and libtcmalloc.so.4.5.9 above
// libtcmalloc.so.4.5. Entries whose suffix is not a dotted number sequence
// are skipped with a warning rather than failing the search.
//
// Parameters:
//   - dir: directory to search (DefaultSearchDir in production)
//   - prefix: versioned soname prefix (DefaultPrefix in production)
//
// Returns:
//   - Absolute path of the best match
//   - ErrNotFound (wrapped) if nothing in dir matches prefix
//   - Error if the directory cannot be read
func Discover(dir, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read allocator search directory %s: %w", dir, err)
	}

	var (
		bestName    string
		bestVersion []int
	)

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		version, ok := parseVersion(strings.TrimPrefix(name, prefix))
		if !ok {
			logger.Warn("Skipping %s: suffix is not a version number", name)
			continue
		}

		if bestName == "" || compareVersions(version, bestVersion) > 0 {
			bestName = name
			bestVersion = version
		}
	}

	if bestName == "" {
		return "", fmt.Errorf("%w: no %s* in %s", ErrNotFound, prefix, dir)
	}

	path := filepath.Join(dir, bestName)
	logger.Debug("Resolved allocator library: %s", path)

	return path, nil
}

// Install points a stable symlink at the resolved library and returns the
// value to export as LD_PRELOAD (the link path).
//
// An existing link is replaced, so the last launcher to run on a host wins;
// concurrent launchers resolving the same library converge on the same
// target regardless.
//
// Parameters:
//   - target: resolved library path from Discover
//   - linkPath: stable symlink location (DefaultLinkPath in production)
//
// Returns:
//   - The preload path to export
//   - Error if the link cannot be replaced
func Install(target, linkPath string) (string, error) {
	if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to remove existing allocator link %s: %w", linkPath, err)
	}

	if err := os.Symlink(target, linkPath); err != nil {
		return "", fmt.Errorf("failed to link %s -> %s: %w", linkPath, target, err)
	}

	logger.Info("Allocator preload: %s -> %s", linkPath, target)

	return linkPath, nil
}

// parseVersion splits a dotted version suffix ("4.5.9") into integer
// components. Reports false for empty or non-numeric suffixes.
func parseVersion(suffix string) ([]int, bool) {
	if suffix == "" {
		return nil, false
	}

	parts := strings.Split(suffix, ".")
	version := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		version[i] = n
	}

	return version, true
}

// compareVersions orders two version component sequences. Missing trailing
// components compare as lower, so 4 < 4.5.
func compareVersions(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Package pathguard validates per-task project paths before they are
// handed to the agent runner as a working directory.
package pathguard

import (
	"errors"
	"fmt"
	"strings"
)

// MaxPathLength is the longest project path accepted.
const MaxPathLength = 500

// ErrForbiddenPath is returned when a project path fails validation.
var ErrForbiddenPath = errors.New("forbidden project path")

// forbiddenPrefixes are system locations an agent session must never use as
// its working directory. /root/projects is carved out below.
var forbiddenPrefixes = []string{
	"/etc",
	"/var/log",
	"/proc",
	"/sys",
	"/root",
}

// allowedPrefixes override forbiddenPrefixes.
var allowedPrefixes = []string{
	"/root/projects",
}

// Validate checks a project path override. An empty path is valid and means
// the configured workspace root is used.
func Validate(path string) error {
	if path == "" {
		return nil
	}
	if len(path) > MaxPathLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrForbiddenPath, MaxPathLength)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%w: contains parent directory reference", ErrForbiddenPath)
	}
	for _, allowed := range allowedPrefixes {
		if hasPathPrefix(path, allowed) {
			return nil
		}
	}
	for _, forbidden := range forbiddenPrefixes {
		if hasPathPrefix(path, forbidden) {
			return fmt.Errorf("%w: %s is a protected location", ErrForbiddenPath, forbidden)
		}
	}
	return nil
}

// hasPathPrefix reports whether path is prefix itself or lies under it.
// A plain strings.HasPrefix would wrongly match /etcetera against /etc.
func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// Package version exposes build metadata for the dlgate admission service.
// The package-level variables are stamped with -ldflags at build time.
package version

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	// Version is the release tag or short commit of the build.
	// Set via: -ldflags "-X dlgate/internal/version.Version=..."
	Version = "unknown"

	// BuildDate is the UTC build timestamp in RFC 3339 form.
	BuildDate = "unknown"

	// GitCommit is the full commit SHA the binary was built from.
	GitCommit = "unknown"
)

// Info holds build metadata plus per-process identity.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns the build metadata. InstanceID and Hostname are resolved
// once per process.
func GetInfo() Info {
	once.Do(func() {
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			InstanceID: uuid.New().String(),
			Hostname:   hostname(),
		}
	})
	return info
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// UserAgent is sent by outbound backend clients.
func (i Info) UserAgent() string {
	return "dlgate/" + i.Version
}

// String formats version info for CLI display.
func (i Info) String() string {
	return fmt.Sprintf("dlgate version %s (commit: %s, built: %s)", i.Version, i.GitCommit, i.BuildDate)
}

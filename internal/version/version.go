// Package version reports build information. The variables are set with
// -ldflags "-X wfsync/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	GitCommit = ""
	Built     = ""
)

type Info struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git_commit,omitempty" yaml:"git_commit,omitempty"`
	Built     string `json:"built,omitempty" yaml:"built,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// Get returns the linked values, filling the commit from the module build
// info when it was not set at link time.
func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		Built:     Built,
		GoVersion: runtime.Version(),
	}
	if info.GitCommit == "" {
		info.GitCommit = vcsRevision()
	}
	return info
}

func (i Info) String() string {
	out := "wfsync " + i.Version
	if i.GitCommit != "" {
		commit := i.GitCommit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		out += fmt.Sprintf(" (%s)", commit)
	}
	if i.Built != "" {
		out += " built " + i.Built
	}
	return out + " " + i.GoVersion
}

func vcsRevision() string {
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range build.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}

package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/you/zkleis-bot/internal/version"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

// CurrentBuild reads the ldflags-stamped version package.
func CurrentBuild() BuildInfo {
	info := BuildInfo{Version: version.Version, Revision: version.Commit}
	if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
		info.BuiltAt = t
	}
	return info
}

type infoResponse struct {
	Version  string `json:"version"`
	Revision string `json:"rev"`
	BuiltAt  string `json:"built_at,omitempty"`
	Go       string `json:"go"`
	Users    int    `json:"users"`
	Joined   int    `json:"joined"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	if s.opts.Users != nil {
		resp.Users = len(s.opts.Users.Snapshot())
		resp.Joined = len(s.opts.Users.Joined())
	}
	writeJSON(w, http.StatusOK, resp)
}

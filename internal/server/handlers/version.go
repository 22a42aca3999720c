package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/crucible"

	"github.com/insurechat/insurechat/internal/config"
	"github.com/insurechat/insurechat/internal/ratelimit"
)

// AppVersion is injected from main via SetVersionInfo
var (
	AppVersion   = "dev"
	AppCommit    = "unknown"
	AppBuildDate = "unknown"
	appIdentity  *appidentity.Identity
)

// SetVersionInfo sets the version information for the handler
func SetVersionInfo(version, commit, buildDate string) {
	AppVersion = version
	AppCommit = commit
	AppBuildDate = buildDate
}

// SetAppIdentity sets the app identity for the handler
func SetAppIdentity(identity *appidentity.Identity) {
	appIdentity = identity
}

// VersionResponse is the diagnostics body of GET /version. It never carries
// the API key, only whether a project is configured.
type VersionResponse struct {
	Name         string        `json:"name"`
	Model        string        `json:"model"`
	MaxTokens    int           `json:"max_tokens"`
	HistoryLimit int           `json:"history_limit"`
	CORS         []string      `json:"cors"`
	ProjectSet   bool          `json:"project_set"`
	APIMode      string        `json:"api_mode"`
	UptimeSec    int64         `json:"uptime_sec"`
	Version      string        `json:"version"`
	Commit       string        `json:"commit"`
	BuildDate    string        `json:"build_date"`
	GoVersion    string        `json:"go_version"`
	RateLimit    RateLimitInfo `json:"rate_limit"`
	Dependencies DepInfo       `json:"dependencies"`
}

// RateLimitInfo describes the active /chat limiter.
type RateLimitInfo struct {
	Enabled        bool  `json:"enabled"`
	WindowSec      int64 `json:"window_sec"`
	MaxRequests    int   `json:"max_requests"`
	TrackedClients int   `json:"tracked_clients"`
}

// DepInfo contains dependency version information
type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

// Version serves GET /version from the loaded configuration.
type Version struct {
	cfg     *config.Config
	limiter *ratelimit.Limiter
	started time.Time
	now     func() time.Time
}

// NewVersion returns the /version handler. limiter may be nil when rate
// limiting is disabled.
func NewVersion(cfg *config.Config, limiter *ratelimit.Limiter, started time.Time) *Version {
	return &Version{cfg: cfg, limiter: limiter, started: started, now: time.Now}
}

// ServeHTTP implements http.Handler.
func (v *Version) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deps := crucible.GetVersion()

	name := "insurechat"
	if appIdentity != nil && appIdentity.BinaryName != "" {
		name = appIdentity.BinaryName
	}

	resp := VersionResponse{
		Name:      name,
		UptimeSec: int64(v.now().Sub(v.started) / time.Second),
		Version:   AppVersion,
		Commit:    AppCommit,
		BuildDate: AppBuildDate,
		GoVersion: runtime.Version(),
		CORS:      []string{},
		Dependencies: DepInfo{
			Gofulmen: deps.Gofulmen,
			Crucible: deps.Crucible,
		},
	}

	if v.cfg != nil {
		resp.Model = v.cfg.Chat.Model
		resp.MaxTokens = v.cfg.Chat.MaxTokens
		resp.HistoryLimit = v.cfg.Chat.HistoryLimit
		resp.ProjectSet = v.cfg.Provider.Project != ""
		resp.APIMode = v.cfg.Provider.APIMode
		if len(v.cfg.CORS.Origins) > 0 {
			resp.CORS = append(resp.CORS, v.cfg.CORS.Origins...)
		}
		resp.RateLimit.Enabled = v.cfg.RateLimit.Enabled
		resp.RateLimit.WindowSec = int64(v.cfg.RateLimit.Window / time.Second)
		resp.RateLimit.MaxRequests = v.cfg.RateLimit.MaxRequests
	}
	if v.limiter != nil {
		resp.RateLimit.TrackedClients = v.limiter.Len()
	}

	writeJSON(w, http.StatusOK, resp)
}

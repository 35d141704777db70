package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

// UpdateService queues at most one self-update per process lifetime by
// writing a signal file an external watcher acts on. The gateway itself
// never reads the file back.
type UpdateService struct {
	enabled        bool
	signalPath     string
	currentVersion string
	logger         *slog.Logger

	mu     sync.Mutex
	queued bool
}

// updateSignal is the signal file's JSON shape.
type updateSignal struct {
	TargetVersion  string `json:"targetVersion"`
	CurrentVersion string `json:"currentVersion"`
	RequestedBy    string `json:"requestedBy"`
	RequestedAt    string `json:"requestedAt"`
}

// NewUpdateService returns a service writing to signalPath when enabled.
func NewUpdateService(enabled bool, signalPath, currentVersion string, logger *slog.Logger) *UpdateService {
	return &UpdateService{
		enabled:        enabled,
		signalPath:     signalPath,
		currentVersion: currentVersion,
		logger:         logger,
	}
}

// Queued reports whether an update has been queued this process lifetime.
func (u *UpdateService) Queued() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.queued
}

// Handle validates and, when acceptable, queues one update request.
func (u *UpdateService) Handle(req *tunnel.UpdateRequest) *tunnel.UpdateResponse {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.enabled {
		return &tunnel.UpdateResponse{
			Accepted:       false,
			Error:          "remote updates are disabled",
			CurrentVersion: u.currentVersion,
			Status:         tunnel.UpdateRejected,
		}
	}

	if !newerThanCurrent(req.TargetVersion, u.currentVersion) {
		u.logger.Info("Update request rejected: target not newer",
			"target", req.TargetVersion, "current", u.currentVersion)
		return &tunnel.UpdateResponse{
			Accepted:       false,
			Error:          fmt.Sprintf("target version %s is not newer than %s", req.TargetVersion, u.currentVersion),
			CurrentVersion: u.currentVersion,
			Status:         tunnel.UpdateRejected,
		}
	}

	if u.queued {
		return &tunnel.UpdateResponse{
			Accepted:       true,
			CurrentVersion: u.currentVersion,
			Status:         tunnel.UpdateAlreadyQueued,
		}
	}

	if err := u.writeSignal(req); err != nil {
		u.logger.Error("Failed to write update signal", "path", u.signalPath, "error", err)
		return &tunnel.UpdateResponse{
			Accepted:       false,
			Error:          "failed to queue update",
			CurrentVersion: u.currentVersion,
			Status:         tunnel.UpdateRejected,
		}
	}

	u.queued = true
	u.logger.Info("Update queued",
		"target", req.TargetVersion, "requested_by", req.RequestedBy, "path", u.signalPath)
	return &tunnel.UpdateResponse{
		Accepted:       true,
		CurrentVersion: u.currentVersion,
		Status:         tunnel.UpdateQueued,
	}
}

// writeSignal writes the signal file atomically: temp file in the target
// directory, then rename into place.
func (u *UpdateService) writeSignal(req *tunnel.UpdateRequest) error {
	payload, err := json.Marshal(updateSignal{
		TargetVersion:  req.TargetVersion,
		CurrentVersion: u.currentVersion,
		RequestedBy:    req.RequestedBy,
		RequestedAt:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	dir := filepath.Dir(u.signalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create signal directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".update-signal-*")
	if err != nil {
		return fmt.Errorf("create temp signal file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write signal file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close signal file: %w", err)
	}
	if err := os.Rename(tmpName, u.signalPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("install signal file: %w", err)
	}
	return nil
}

// newerThanCurrent compares versions case-insensitively; malformed
// versions never qualify.
func newerThanCurrent(target, current string) bool {
	t := normalizeSemver(target)
	c := normalizeSemver(current)
	if !semver.IsValid(t) || !semver.IsValid(c) {
		return false
	}
	return semver.Compare(t, c) > 0
}

func normalizeSemver(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return v
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fynelabs/selfupdate"
)

// checkServerVersion asks the server what agent version it advertises
// and tells every session when an upgrade is available. Best effort; a
// failed check never disturbs an active runtime.
func (d *Daemon) checkServerVersion(serverURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/api/agent/version", nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		d.log.Debug("version check failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		d.log.Debug("version check failed", "status", resp.StatusCode)
		return
	}

	var info struct {
		Version     string `json:"version"`
		DownloadURL string `json:"download_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		d.log.Debug("version check failed", "error", err)
		return
	}
	if info.Version == "" || info.Version == d.cfg.Version {
		return
	}

	d.mu.Lock()
	d.upgradeVersion = info.Version
	d.upgradeURL = info.DownloadURL
	d.mu.Unlock()

	d.log.Info("upgrade available", "current", d.cfg.Version, "server", info.Version)
	d.broadcast(map[string]any{
		"type":            "upgrade_available",
		"current_version": d.cfg.Version,
		"server_version":  info.Version,
		"download_url":    info.DownloadURL,
	})
}

// handleApplyUpgrade downloads the advertised binary and swaps the
// running executable in place. The daemon keeps running on the old
// image until restarted.
func (d *Daemon) handleApplyUpgrade(sess *session) {
	d.mu.Lock()
	version, url := d.upgradeVersion, d.upgradeURL
	d.mu.Unlock()

	if err := d.applyUpgrade(version, url); err != nil {
		d.log.Error("Failed to apply upgrade", "error", err)
		_ = sess.send(errorFrame("upgrade_failed", err.Error()))
		return
	}
	d.log.Info("upgrade applied", "version", version)
	_ = sess.send(map[string]any{"type": "upgrade_applied", "version": version})
}

func (d *Daemon) applyUpgrade(version, url string) error {
	if version == "" || url == "" {
		return errors.New("no upgrade available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	if err := selfupdate.Apply(resp.Body, selfupdate.Options{}); err != nil {
		if rerr := selfupdate.RollbackError(err); rerr != nil {
			return fmt.Errorf("apply upgrade failed and rollback failed: %w", rerr)
		}
		return fmt.Errorf("apply upgrade: %w", err)
	}
	return nil
}

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	licenseCheckInterval = 24 * time.Hour
	licenseGraceInterval = 12 * time.Hour
	licenseGracePeriod   = 72 * time.Hour
)

// LicenseChecker verifies the bridge's MergeChat license against a remote
// license server at startup and on a recurring schedule, per the upstream
// project's "fatal on startup failure, 72h grace on runtime failure" policy.
type LicenseChecker struct {
	licenseKey string
	serverID   string
	apiURL     string
	httpClient *http.Client
	metrics    *Metrics
	log        *slog.Logger
}

func NewLicenseChecker(licenseKey, serverID, apiURL string, metrics *Metrics, log *slog.Logger) *LicenseChecker {
	return &LicenseChecker{
		licenseKey: licenseKey,
		serverID:   serverID,
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		metrics:    metrics,
		log:        log,
	}
}

type licenseVerifyRequest struct {
	LicenseKey string `json:"license_key"`
	ServerID   string `json:"server_id"`
	Module     string `json:"module"`
}

// check performs a single license verification call, returning (valid, reason).
func (c *LicenseChecker) check(ctx context.Context) (bool, string) {
	if c.licenseKey == "" || c.serverID == "" {
		return false, "license_key and server_id are required"
	}

	body, err := json.Marshal(licenseVerifyRequest{
		LicenseKey: c.licenseKey,
		ServerID:   c.serverID,
		Module:     "max",
	})
	if err != nil {
		return false, fmt.Sprintf("marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/license/verify", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Sprintf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.IncrLicenseCheckErrors()
		return false, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.IncrLicenseCheckErrors()
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.IncrLicenseCheckErrors()
		return false, fmt.Sprintf("read response: %v", err)
	}

	var result struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		c.metrics.IncrLicenseCheckErrors()
		return false, fmt.Sprintf("decode response: %v", err)
	}
	if !result.Valid {
		reason := result.Reason
		if reason == "" {
			reason = "license server reported valid=false"
		}
		return false, reason
	}

	return true, ""
}

// VerifyAtStartup performs the one-shot startup check. Returns an error if
// the license is invalid; the caller is expected to treat this as fatal.
func (c *LicenseChecker) VerifyAtStartup(ctx context.Context) error {
	valid, reason := c.check(ctx)
	c.metrics.SetLicenseValid(valid)
	if !valid {
		return fmt.Errorf("MergeChat license verification failed: %s", reason)
	}
	c.log.Info("MergeChat license verified")
	return nil
}

// Run loops the periodic recheck (every 24h) until ctx is canceled. On a
// failed recheck it enters a 72h grace period, probing every 12h; if the
// grace period expires without the license becoming valid again, onFatal is
// invoked so the caller can shut the bridge down.
func (c *LicenseChecker) Run(ctx context.Context, onFatal func(reason string)) {
	ticker := time.NewTicker(licenseCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			valid, reason := c.check(ctx)
			c.metrics.SetLicenseValid(valid)
			if valid {
				c.log.Debug("periodic license check passed")
				continue
			}
			c.log.Error("license verification failed, entering grace period",
				"error", reason, "grace_period", licenseGracePeriod)
			if !c.graceLoop(ctx) {
				onFatal("license still invalid after grace period")
				return
			}
		}
	}
}

// graceLoop rechecks every 12h for up to 72h, returning true as soon as the
// license becomes valid again, or false if the deadline is reached first.
func (c *LicenseChecker) graceLoop(ctx context.Context) bool {
	deadline := time.Now().Add(licenseGracePeriod)
	ticker := time.NewTicker(licenseGraceInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			valid, _ := c.check(ctx)
			c.metrics.SetLicenseValid(valid)
			if valid {
				c.log.Info("license re-verified during grace period")
				return true
			}
		}
	}
	return false
}

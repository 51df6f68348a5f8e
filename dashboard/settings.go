package dashboard

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/iot-sensors/notify"
	"github.com/mjasion/balena-home/iot-sensors/sensor"
	"github.com/mjasion/balena-home/iot-sensors/settings"
)

// ErrNoStore is returned by settings operations when no store is configured
var ErrNoStore = errors.New("settings store not configured")

// CurrentSettings reports the settings in effect
func (d *Dashboard) CurrentSettings() settings.Settings {
	cfg := d.client.Config()
	return settings.Settings{
		APIURL:          cfg.BaseURL,
		RefreshInterval: int(cfg.RefreshInterval / time.Second),
		Notifications:   d.gate == nil || d.gate.Enabled(),
	}
}

// LoadSettings applies the persisted settings at startup. Invalid persisted
// values are ignored one by one and the rest still applies.
func (d *Dashboard) LoadSettings(ctx context.Context) (settings.Settings, error) {
	if d.store == nil {
		return d.CurrentSettings(), nil
	}

	stored, found, err := d.store.Load(ctx)
	if err != nil {
		d.logger.Error("failed to load settings", zap.Error(err))
		return d.CurrentSettings(), err
	}
	if !found {
		return d.CurrentSettings(), nil
	}

	cfg := d.client.Config()
	stored.APIURL = sensor.NormalizeBaseURL(stored.APIURL)
	if stored.APIURL != "" {
		if err := sensor.ValidateBaseURL(stored.APIURL); err == nil {
			cfg.BaseURL = stored.APIURL
		} else {
			d.logger.Warn("ignoring persisted api url", zap.String("apiUrl", stored.APIURL), zap.Error(err))
		}
	}
	if stored.RefreshInterval > 0 {
		interval := time.Duration(stored.RefreshInterval) * time.Second
		if err := sensor.ValidateRefreshInterval(interval); err == nil {
			cfg.RefreshInterval = interval
		} else {
			d.logger.Warn("ignoring persisted refresh interval", zap.Int("refreshInterval", stored.RefreshInterval))
		}
	}
	if d.gate != nil {
		d.gate.SetEnabled(stored.Notifications)
	}

	if cfg != d.client.Config() {
		if err := d.client.UpdateConfig(cfg); err != nil {
			return d.CurrentSettings(), err
		}
	}

	d.logger.Info("settings loaded", zap.Any("settings", d.CurrentSettings()))
	return d.CurrentSettings(), nil
}

// SaveSettings validates, persists and applies new settings. Applying
// clears the response cache and restarts the refresh timer through the
// client's configuration listeners.
func (d *Dashboard) SaveSettings(ctx context.Context, s settings.Settings) error {
	s.APIURL = sensor.NormalizeBaseURL(s.APIURL)
	if err := sensor.ValidateBaseURL(s.APIURL); err != nil {
		return &sensor.ValidationError{Field: "apiUrl", Reason: msgInvalidURL}
	}
	interval := time.Duration(s.RefreshInterval) * time.Second
	if err := sensor.ValidateRefreshInterval(interval); err != nil {
		return &sensor.ValidationError{Field: "refreshInterval", Reason: msgInvalidRefresh}
	}
	if d.store == nil {
		return ErrNoStore
	}

	if err := d.store.Save(ctx, s); err != nil {
		d.logger.Error("failed to save settings", zap.Error(err))
		d.notify(ctx, notify.LevelError, msgSaveFailed)
		return err
	}

	cfg := d.client.Config()
	cfg.BaseURL = s.APIURL
	cfg.RefreshInterval = interval
	if err := d.client.UpdateConfig(cfg); err != nil {
		d.notify(ctx, notify.LevelError, msgSaveFailed)
		return err
	}
	if d.gate != nil {
		d.gate.SetEnabled(s.Notifications)
	}

	d.notify(ctx, notify.LevelSuccess, msgSaved)
	return nil
}

// TestConnection probes a candidate API url without changing any setting
func (d *Dashboard) TestConnection(ctx context.Context, apiURL string) (sensor.ConnectionResult, error) {
	apiURL = sensor.NormalizeBaseURL(apiURL)
	if err := sensor.ValidateBaseURL(apiURL); err != nil {
		return sensor.ConnectionResult{}, &sensor.ValidationError{Field: "apiUrl", Reason: msgInvalidURL}
	}
	return d.client.TestConnection(ctx, apiURL)
}

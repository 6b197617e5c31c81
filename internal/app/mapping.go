package app

import (
	"strings"
	"time"

	"dutybot/internal/config"
	"dutybot/internal/dispatch"
	"dutybot/internal/mailer"
	"dutybot/internal/storage"
	"dutybot/internal/task/scheduler"
	logx "dutybot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	loc, err := d.Location()
	if err != nil {
		return dispatch.Config{}, err
	}
	out := dispatch.Config{Location: loc, Workers: d.Workers}
	durations := []struct {
		dst  *time.Duration
		path string
		raw  string
		def  time.Duration
	}{
		{&out.ScheduleTimeout, "dispatch.schedule_timeout", d.ScheduleTimeout, 30 * time.Second},
		{&out.RunTimeout, "dispatch.run_timeout", d.RunTimeout, 2 * time.Minute},
		{&out.DedupeRetention, "dispatch.dedupe_retention", d.DedupeRetention, 72 * time.Hour},
		{&out.CacheMaxAge, "cache.max_age", cfg.Cache.MaxAge, 5 * time.Minute},
	}
	for _, x := range durations {
		v, err := config.ParseDurationOrDefault(x.path, x.raw, x.def)
		if err != nil {
			return dispatch.Config{}, err
		}
		*x.dst = v
	}
	return out, nil
}

// mapTriggerConfig bounds each triggered run slightly above the run timeout
// so the orchestrator's own deadline fires first.
func mapTriggerConfig(cfg *config.Config, dc dispatch.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Dispatch.Enabled,
		Schedule: strings.TrimSpace(cfg.Dispatch.Schedule),
		Location: dc.Location,
		Timeout:  dc.RunTimeout + 10*time.Second,
	}
}

func mapMailConfig(cfg *config.Config) (mailer.Config, error) {
	m := cfg.Mail
	timeout, err := config.ParseDurationOrDefault("mail.timeout", m.Timeout, 15*time.Second)
	if err != nil {
		return mailer.Config{}, err
	}
	driver := strings.TrimSpace(m.Driver)
	if driver == "" {
		driver = "log"
	}
	return mailer.Config{
		Driver:          driver,
		Host:            strings.TrimSpace(m.Host),
		Port:            m.Port,
		Username:        m.Username,
		Password:        m.Password,
		From:            strings.TrimSpace(m.From),
		TLS:             m.TLS,
		Timeout:         timeout,
		RatePerSec:      m.RatePerSec,
		SubjectTemplate: m.SubjectTemplate,
		BodyTemplate:    m.BodyTemplate,
	}, nil
}

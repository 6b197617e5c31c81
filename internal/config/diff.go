package config

import (
	"slices"
	"strings"

	logx "dutybot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe log fields
// (secrets only as *_set booleans), and the sections whose change needs a
// process restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := oldCfg, newCfg

	if o.Logging != n.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.console", n.Logging.Console),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
		)
	}

	if o.Storage != n.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", n.Storage.Driver))
	}

	if o.Dispatch != n.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", n.Dispatch.Enabled),
			logx.String("dispatch.schedule", strings.TrimSpace(n.Dispatch.Schedule)),
			logx.String("dispatch.timezone", n.Dispatch.Timezone),
			logx.Int("dispatch.workers", n.Dispatch.Workers),
		)
	}

	if o.Cache != n.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs, logx.String("cache.max_age", n.Cache.MaxAge))
	}

	if o.Mail != n.Mail {
		changed = append(changed, "mail")
		attrs = append(attrs,
			logx.String("mail.driver", n.Mail.Driver),
			logx.String("mail.host", n.Mail.Host),
			logx.Int("mail.port", n.Mail.Port),
			logx.Bool("mail.password_set", n.Mail.Password != ""),
			logx.Bool("mail.password_changed", o.Mail.Password != n.Mail.Password),
		)
	}

	if o.HTTP.Enabled != n.HTTP.Enabled || o.HTTP.Addr != n.HTTP.Addr ||
		o.HTTP.Token != n.HTTP.Token || o.HTTP.Pprof != n.HTTP.Pprof || !slices.Equal(o.HTTP.CORSOrigins, n.HTTP.CORSOrigins) {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", n.HTTP.Enabled),
			logx.String("http.addr", n.HTTP.Addr),
			logx.Bool("http.token_set", n.HTTP.Token != ""),
			logx.Int("http.cors_origins", len(n.HTTP.CORSOrigins)),
			logx.Bool("http.pprof", n.HTTP.Pprof),
		)
	}
	return changed, attrs, restart
}

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints, durations and the timezone.
// Cross-package checks (schedule syntax, templates) are installed by the
// caller via SetValidator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"dispatch.schedule_timeout", cfg.Dispatch.ScheduleTimeout},
		{"dispatch.run_timeout", cfg.Dispatch.RunTimeout},
		{"dispatch.dedupe_retention", cfg.Dispatch.DedupeRetention},
		{"cache.max_age", cfg.Cache.MaxAge},
		{"mail.timeout", cfg.Mail.Timeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	_, err := cfg.Dispatch.Location()
	return err
}

// fieldPath turns "Config.dispatch.schedule" into "dispatch.schedule".
func fieldPath(ns string) string {
	return strings.TrimPrefix(ns, "Config.")
}

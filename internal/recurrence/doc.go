// Package recurrence turns a schedule's recurrence rule into periods.
//
// A period is the window one completion is expected in; its deadline is the
// instant the obligation is due. Every computation takes an explicit
// *time.Location: the package never reads the process-local timezone.
//
// Rule variants are a closed set (Daily, Weekly, Monthly, MonthlySpecific,
// Interval, Hourly, PerMinute, Custom). Stored documents use Spec, a tagged
// record that ParseSpec validates strictly. Custom rules are evaluated by a
// CronStrategy (robfig/cron by default).
package recurrence

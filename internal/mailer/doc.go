// Package mailer is the outbound email capability used for reminders.
//
// Drivers:
//   - "smtp": wneessen/go-mail client
//   - "log": logs the message and reports success (dry run)
//
// Service paces every driver with a token bucket and renders reminder
// subjects and bodies from text templates. All delivery failures match
// ErrDeliveryFailed.
package mailer

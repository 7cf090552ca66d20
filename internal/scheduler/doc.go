// Package scheduler lets agents schedule calls to themselves, either once
// after a delay or repeatedly on a cron expression.
package scheduler

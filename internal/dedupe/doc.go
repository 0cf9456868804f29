// Package dedupe suppresses repeated deliveries. Agents may retry a push
// notification, so the webhook receiver and task tracker remember recent
// (task, state) keys for a bounded window and drop repeats.
package dedupe

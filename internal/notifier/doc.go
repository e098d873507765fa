// Package notifier delivers operator alerts (tenant failures, failed slot
// steps, forwarded log lines) to a Telegram chat.
package notifier

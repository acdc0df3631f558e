package internal

import "expvar"

var (
	webhooksTotal      = expvar.NewMap("buildhooks_webhooks_total")
	importsTotal       = expvar.NewMap("buildhooks_imports_total")
	notificationsTotal = expvar.NewMap("buildhooks_notifications_total")
	notificationErrors = expvar.NewMap("buildhooks_notification_errors_total")
	eventsTotal        = expvar.NewMap("buildhooks_events_total")
)

func IncWebhook(provider string) {
	webhooksTotal.Add(provider, 1)
}

func IncImport(provider string) {
	importsTotal.Add(provider, 1)
}

func IncNotification(kind string) {
	notificationsTotal.Add(kind, 1)
}

func IncNotificationError(kind string) {
	notificationErrors.Add(kind, 1)
}

func IncEvent(eventType string) {
	eventsTotal.Add(eventType, 1)
}

package pubsub

import "fmt"

// Channel naming for events the console relays to other local processes
// (tray notifier, second-screen views).
const (
	ChannelAlerts = "%s:specialist:%s:alerts"
)

// Envelope kinds published on the alert channel.
const (
	KindToast = "toast"
)

// AlertsChannel returns the channel carrying toasts for one specialist.
func AlertsChannel(prefix, specialistID string) string {
	if specialistID == "" {
		specialistID = "anonymous"
	}
	return fmt.Sprintf(ChannelAlerts, prefix, specialistID)
}

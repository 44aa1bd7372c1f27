package types

// ProcessorEventType identifies an inbound event from the external payment
// processor. Transport and signature verification happen upstream; by the
// time an event reaches the reconciliation listener it is already verified.
type ProcessorEventType string

const (
	ProcessorEventSubscriptionUpdated    ProcessorEventType = "subscription.updated"
	ProcessorEventInvoicePaymentFailed   ProcessorEventType = "invoice.payment_failed"
	ProcessorEventInvoicePaymentSucceeded ProcessorEventType = "invoice.payment_succeeded"
	ProcessorEventSchedulePhaseCompleted ProcessorEventType = "subscription_schedule.phase_completed"
)

// ProcessorEvent is the envelope handed to the reconciliation listener. The
// payload ids are triggers for lookups against stored identifiers; the
// listener never treats embedded business fields as authoritative.
type ProcessorEvent struct {
	ID             string             `json:"id"`
	Type           ProcessorEventType `json:"type"`
	TenantID       string             `json:"tenant_id"`
	EnvironmentID  string             `json:"environment_id"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	ScheduleID     string             `json:"schedule_id,omitempty"`
	InvoiceID      string             `json:"invoice_id,omitempty"`
	CustomerRef    string             `json:"customer_ref,omitempty"`
}

// ProcessorEventsTopic is the in-process bus topic carrying verified events.
const ProcessorEventsTopic = "processor.events"

package repository

// MessageBus publishes committed ledger events to downstream consumers.
type MessageBus interface {
	Publish(topic string, data []byte) error
}

// TopicEntryCreated is the subject ledger entries are announced on.
const TopicEntryCreated = "ledger.entries.created"

// NopBus drops every message. It is used when no bus provider is configured.
type NopBus struct{}

func (NopBus) Publish(string, []byte) error { return nil }

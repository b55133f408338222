package publisher

// Publisher publishes newly ingested listings for downstream consumers
// (e.g. the notification service)
type Publisher interface {
	// Publish publishes a message under the given source key
	Publish(source string, message []byte) error

	// TrimStreams trims the backing streams to their configured maximum length
	TrimStreams() error

	// Close releases the publisher's resources
	Close() error
}

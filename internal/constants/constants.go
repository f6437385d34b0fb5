package constants

import "time"

const ServiceName = "waconnector"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const ShutdownTimeout = 15 * time.Second

// MaxEventBodyBytes bounds an event posted by the protocol bridge. History batches with inline
// media can be large.
const MaxEventBodyBytes = 64 << 20

const (
	HeaderRequestID  = "X-Request-ID"
	ContextRequestID = "request_id"
)

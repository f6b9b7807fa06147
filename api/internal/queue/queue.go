package queue

import (
	"revoice/api/internal/config"
	sharedqueue "revoice/shared/queue"
)

// Connection is an alias to the shared RabbitMQ connection.
type Connection = sharedqueue.Connection

// Publisher is an alias to the shared publisher implementation.
type Publisher = sharedqueue.Publisher

// NewPublisher creates a new publisher using the shared implementation.
var NewPublisher = sharedqueue.NewPublisher

// NewConnection creates a new RabbitMQ connection using the shared implementation.
func NewConnection(cfg config.RabbitMQConfig) (*Connection, error) {
	return sharedqueue.NewConnection(cfg)
}

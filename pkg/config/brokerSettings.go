package config

const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerPubSub   = "gcp-pubsub"
)

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub"`
	URL        string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange   string `mapstructure:"exchange" validate:"required"`
	RoutingKey string `mapstructure:"routing_key" validate:"required"`
	ProjectID  string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // Pub/Sub only
}

package config

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url"` // empty disables tracing
}

type LogSettings struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

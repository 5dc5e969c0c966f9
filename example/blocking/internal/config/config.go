package config

const (
	// Target configuration
	DefaultBaseURL   = "https://httpbin.org"
	DefaultFetchPath = "/redirect/2"

	// Server configuration
	MetricsPort = ":2113"

	// Client configuration
	ServiceName = "courier-blocking-example"
	EnvPrefix   = "COURIER"

	// Operation intervals
	OperationInterval = 5 // seconds
)

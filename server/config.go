package server

const (
	DefaultWorkers        = 4
	DefaultMaxConnections = 150
)

// Config holds the settings of a Server. Zero values are replaced by the
// defaults.
type Config struct {
	Addr           string
	Workers        int
	MaxConnections int

	// ExitOnError stops the server on the first handler or poll failure.
	// Run then returns that error.
	ExitOnError bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	return c
}

//go:build linux
// +build linux

package server

// Handler serves a connection that has become readable. Returning an error
// closes the connection; io.EOF is the normal end of a connection.
type Handler interface {
	Serve(c *Conn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Conn) error

func (f HandlerFunc) Serve(c *Conn) error { return f(c) }

// EchoHandler writes back everything it reads.
type EchoHandler struct{}

func (EchoHandler) Serve(c *Conn) error {
	data, err := c.Read()
	if len(data) > 0 {
		if werr := c.Write(data); werr != nil {
			return werr
		}
	}
	return err
}

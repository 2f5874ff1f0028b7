package lifecycle

import "io"

// PTYHandle abstracts the pseudo-terminal a worker session runs inside.
type PTYHandle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}

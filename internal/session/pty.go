package session

// ptyHandle abstracts the platform PTY so the manager code is shared
// between the unix and conpty implementations.
type ptyHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Close() error
	Pid() int
	// Hangup asks the child to exit (SIGHUP on unix, console close on
	// windows). ForceKill terminates it unconditionally.
	Hangup()
	ForceKill()
	// Wait blocks until the child exits. signal is empty unless the child
	// died from one.
	Wait() (code int, signal string)
}

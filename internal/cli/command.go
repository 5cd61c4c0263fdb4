package cli

// Command is one opsync sub-command with its own options. Options shared by
// every command live in config.Config.
type Command interface {
	// Name returns the sub-command name used on the command line.
	Name() string
}

// ServeCommand runs the development document server until the context ends.
type ServeCommand struct{}

func (c *ServeCommand) Name() string {
	return "serve"
}

// WatchCommand signs in, synchronizes every collection and prints a summary
// whenever loading finishes or a failure appears.
type WatchCommand struct {
	// User signs in as a named user instead of anonymously.
	User string
	// Once returns after the first complete load or the first failure.
	Once bool
}

func (c *WatchCommand) Name() string {
	return "watch"
}

package cli

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/agencyops/opsync/pkg/config"
)

const usage = `Usage: opsync [flags] <command>

Commands:
  serve   Run the development document server
  watch   Synchronize every collection and report the aggregate state

Examples:
  opsync serve --listen 127.0.0.1:8000
  opsync watch --url ws://127.0.0.1:8000 --http 127.0.0.1:8080
  opsync watch --url mem://local --once

Every flag can also be set in the environment as OPSYNC_<FLAG>, for
example OPSYNC_URL, or in a .env file.
`

// Parse parses the command line into the command to run and the shared
// configuration.
func Parse(args []string) (Command, *config.Config, error) {
	fs := pflag.NewFlagSet("opsync", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fmt.Fprintln(fs.Output(), "\nFlags:")
		fs.PrintDefaults()
	}
	config.Flags(fs)

	var (
		user = fs.String("user", "", "watch: sign in as this user instead of anonymously")
		once = fs.Bool("once", false, "watch: exit after the first complete load or failure")
	)

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return nil, nil, fmt.Errorf("subcommand required\n\n%s", usage)
	}
	if len(rest) > 1 {
		return nil, nil, fmt.Errorf("unexpected arguments after %s: %v", rest[0], rest[1:])
	}

	var cmd Command
	switch rest[0] {
	case "serve":
		cmd = &ServeCommand{}
	case "watch":
		cmd = &WatchCommand{User: *user, Once: *once}
	default:
		return nil, nil, fmt.Errorf("unknown command: %s\n\nValid commands: serve, watch", rest[0])
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return nil, nil, err
	}
	return cmd, &cfg, nil
}

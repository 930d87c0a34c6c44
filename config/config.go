// Package config parses the command-line arguments vhostloopd starts from,
// grounded on the teacher's use of github.com/alecthomas/kong for
// struct-tag-driven CLI parsing rather than hand-rolled flag.FlagSet code.
package config

import (
	"fmt"

	"github.com/alecthomas/kong"
)

// Config holds the parsed command line for one vhostloopd invocation.
type Config struct {
	SocketPath string `arg:"" name:"socket" help:"path of the vhost-user control socket"`
	Listen     bool   `name:"listen" default:"true" help:"listen on the socket rather than connect to it"`
	Verbose    bool   `short:"v" name:"verbose" help:"verbose mode; shown in the startup log line, no extra logging is tied to it"`
}

// Parse parses args (typically os.Args[1:]) into a Config.
func Parse(args []string) (*Config, error) {
	c := &Config{}

	p, err := kong.New(c,
		kong.Name("vhostloopd"),
		kong.Description("vhostloopd is a vhost-user network backend that loops transmitted packets back to the receive queue"),
		kong.UsageOnError(),
		kong.Exit(func(int) {}),
	)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if _, err := p.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return c, nil
}

func (c *Config) String() string {
	mode := "connect"
	if c.Listen {
		mode = "listen"
	}

	return fmt.Sprintf("socket=%s mode=%s verbose=%t", c.SocketPath, mode, c.Verbose)
}

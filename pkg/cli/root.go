package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/platinummonkey/tenancy/pkg/tenancy"
	"golang.org/x/term"
)

// Sites is the part of the tenant store the commands use
type Sites interface {
	CreateTenant(ctx context.Context, req tenancy.CreateTenantRequest) (*tenancy.Tenant, error)
	ListTenants(ctx context.Context) ([]*tenancy.Tenant, error)
	Validator() *tenancy.Validator
}

// Opener connects to the tenant store described by the config file at
// path. The returned func releases the connection.
type Opener func(ctx context.Context, path string) (Sites, func(), error)

// Env is what commands read from and write to
type Env struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
	// IsTerminal reports whether In is an interactive terminal
	IsTerminal func() bool
	Open       Opener
}

// DefaultEnv wires the process's standard streams and the configured store
func DefaultEnv() *Env {
	return &Env{
		In:  os.Stdin,
		Out: os.Stdout,
		Err: os.Stderr,
		IsTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
		Open: OpenStore,
	}
}

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet

	env        *Env
	configPath string
}

// NewRootCommand creates the tenantctl root command
func NewRootCommand(env *Env) *Command {
	if env == nil {
		env = DefaultEnv()
	}
	root := &Command{
		Name:        "tenantctl",
		Description: "tenantctl - manage sites of a tenancy deployment",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("tenantctl", flag.ContinueOnError),
		env:         env,
	}
	root.Flags.SetOutput(env.Err)
	root.Flags.StringVar(&root.configPath, "config", os.Getenv("TENANCY_CONFIG"), "Path to the YAML config file")

	root.Subcommands["createsite"] = newCreateSiteCommand(root, false)
	root.Subcommands["createrootsite"] = newCreateSiteCommand(root, true)
	root.Subcommands["listsites"] = newListSitesCommand(root)

	return root
}

// Execute parses the global flags and runs the named subcommand
func (c *Command) Execute(ctx context.Context, args []string) error {
	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return c.usage()
		}
		return err
	}
	args = c.Flags.Args()
	if len(args) == 0 || args[0] == "help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(ctx, args[1:])
	}

	c.usage()
	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	out := c.env.Err
	fmt.Fprintf(out, "Usage: %s [--config path] <command> [args]\n\n", c.Name)
	fmt.Fprintf(out, "Commands:\n")

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

func (c *Command) open(ctx context.Context) (Sites, func(), error) {
	sites, cleanup, err := c.env.Open(ctx, c.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open site store: %w", err)
	}
	return sites, cleanup, nil
}

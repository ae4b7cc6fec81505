package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xarlytos/unisunis-sub000/pkg/observability"
)

// ErrUsage marks errors caused by bad command-line input
var ErrUsage = errors.New("usage error")

// Command represents a CLI command. A command either runs or dispatches to
// one of its subcommands.
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
	Out         io.Writer
}

// Opener builds an App for a single command invocation
type Opener func(ctx context.Context) (*App, error)

// Runtime carries what every command needs
type Runtime struct {
	Out    io.Writer
	Logger *logrus.Logger
	Open   Opener
}

// NewRootCommand creates the unis-admin command tree
func NewRootCommand(rt *Runtime) *Command {
	if rt.Out == nil {
		rt.Out = os.Stdout
	}
	if rt.Logger == nil {
		rt.Logger = logrus.New()
		rt.Logger.SetOutput(io.Discard)
	}

	root := &Command{
		Name:        "unis-admin",
		Description: "Manage agents, view grants and the reporting hierarchy",
		Subcommands: make(map[string]*Command),
		Out:         rt.Out,
	}

	root.add(newMigrateCommand(rt))
	root.add(newBootstrapCommand(rt))
	root.add(newAgentCommand(rt))
	root.add(newGrantCommand(rt))
	root.add(newRevokeCommand(rt))
	root.add(newSetGrantsCommand(rt))
	root.add(newAssignManagerCommand(rt))
	root.add(newRemoveManagerCommand(rt))
	root.add(newCheckCommand(rt))
	root.add(newVisibleCommand(rt))
	root.add(newAuditCommand(rt))

	return root
}

func (c *Command) add(sub *Command) {
	if c.Subcommands == nil {
		c.Subcommands = make(map[string]*Command)
	}
	if sub.Out == nil {
		sub.Out = c.Out
	}
	c.Subcommands[sub.Name] = sub
}

// Execute runs the command with args, which exclude the program name
func (c *Command) Execute(ctx context.Context, args []string) error {
	if c.Run != nil {
		return c.Run(ctx, args)
	}

	if len(args) == 0 {
		c.usage()
		return fmt.Errorf("%w: %s requires a command", ErrUsage, c.Name)
	}

	// Check for help flag
	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		c.usage()
		return nil
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Execute(ctx, args[1:])
	}

	return fmt.Errorf("%w: unknown command: %s", ErrUsage, args[0])
}

// usage prints the command usage
func (c *Command) usage() {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(out, "Commands:\n")
	for _, name := range names {
		fmt.Fprintf(out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
}

// newFlagSet returns a flag set that reports errors instead of exiting
func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// parseFlags parses args, mapping failures to ErrUsage. A help request
// returns flag.ErrHelp untouched so callers can stop quietly.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments: %v", ErrUsage, fs.Args())
	}
	return nil
}

// required fails with ErrUsage naming the first empty flag
func required(fs *flag.FlagSet, names ...string) error {
	for _, name := range names {
		if f := fs.Lookup(name); f == nil || f.Value.String() == "" {
			return fmt.Errorf("%w: -%s is required", ErrUsage, name)
		}
	}
	return nil
}

// withApp opens an App, runs fn and closes the App. Each invocation gets its
// own request id, carried into logs and audit events.
func (rt *Runtime) withApp(ctx context.Context, fn func(ctx context.Context, app *App) error) (err error) {
	if rt.Open == nil {
		return errors.New("no application opener configured")
	}
	if observability.GetRequestID(ctx) == "" {
		ctx = observability.WithRequestID(ctx, uuid.NewString())
	}
	app, err := rt.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, app)
}

package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/platinummonkey/tenancy/pkg/tenancy"
)

// ErrCancelled is returned when input ends before a prompt is answered
var ErrCancelled = errors.New("operation cancelled")

func newCreateSiteCommand(root *Command, rootSite bool) *Command {
	name, description := "createsite", "Create a site"
	if rootSite {
		name, description = "createrootsite", "Create the root site"
	}

	cmd := &Command{
		Name:        name,
		Description: description,
		Flags:       flag.NewFlagSet(name, flag.ContinueOnError),
		env:         root.env,
	}
	cmd.Flags.SetOutput(root.env.Err)

	domain := cmd.Flags.String("domain", "", "Domain of the site, e.g. example.com")
	siteName := cmd.Flags.String("name", "", "Display name of the site")
	noInput := cmd.Flags.Bool("noinput", false, "Do not prompt; --domain and --name are required")
	cmd.Flags.BoolVar(noInput, "no-input", false, "Same as --noinput")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		c := &siteCreation{
			env:       root.env,
			command:   name,
			rootSite:  rootSite,
			domain:    *domain,
			name:      *siteName,
			domainSet: flagWasSet(cmd.Flags, "domain"),
		}
		if *noInput {
			return c.runNonInteractive(ctx, root)
		}
		return c.runInteractive(ctx, root)
	}
	return cmd
}

type siteCreation struct {
	env       *Env
	command   string
	rootSite  bool
	domain    string
	name      string
	domainSet bool
}

func (c *siteCreation) runNonInteractive(ctx context.Context, root *Command) error {
	if c.domain == "" {
		return errors.New("--domain is required with --noinput")
	}
	if c.name == "" {
		return errors.New("--name is required with --noinput")
	}

	sites, cleanup, err := root.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return c.create(ctx, sites)
}

func (c *siteCreation) runInteractive(ctx context.Context, root *Command) error {
	if !c.env.IsTerminal() {
		fmt.Fprintf(c.env.Out, "Site creation skipped due to not running in a TTY. "+
			"You can run `tenantctl %s` to create one manually.\n", c.command)
		return nil
	}
	if c.domainSet && strings.TrimSpace(c.domain) == "" {
		return errors.New("Domain cannot be blank.")
	}

	sites, cleanup, err := root.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	in := bufio.NewReader(c.env.In)
	validator := sites.Validator()

	if c.domain != "" {
		if ok, err := c.checkDomain(ctx, validator, c.domain); err != nil {
			return err
		} else if !ok {
			c.domain = ""
		}
	}
	for c.domain == "" {
		answer, err := c.prompt(in, "Domain: ")
		if err != nil {
			return err
		}
		if answer == "" {
			fmt.Fprintln(c.env.Err, "Error: Domain cannot be blank.")
			continue
		}
		ok, err := c.checkDomain(ctx, validator, answer)
		if err != nil {
			return err
		}
		if ok {
			c.domain = answer
		}
	}

	for strings.TrimSpace(c.name) == "" {
		answer, err := c.prompt(in, "Site name: ")
		if err != nil {
			return err
		}
		if answer == "" {
			fmt.Fprintln(c.env.Err, "Error: Site Name cannot be blank.")
			continue
		}
		c.name = answer
	}

	return c.create(ctx, sites)
}

// checkDomain prints the validation message and reports false when domain
// is rejected
func (c *siteCreation) checkDomain(ctx context.Context, v *tenancy.Validator, domain string) (bool, error) {
	err := v.Validate(ctx, tenancy.NormalizeDomain(domain), tenancy.Exclusion{})
	if err == nil {
		return true, nil
	}
	if msg, ok := operatorMessage(err); ok {
		fmt.Fprintln(c.env.Err, "Error: "+msg)
		return false, nil
	}
	return false, err
}

func (c *siteCreation) prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(c.env.Out, label)
	line, err := in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		fmt.Fprintln(c.env.Err, "\nOperation cancelled.")
		return "", ErrCancelled
	}
	return strings.TrimSpace(line), nil
}

func (c *siteCreation) create(ctx context.Context, sites Sites) error {
	_, err := sites.CreateTenant(ctx, tenancy.CreateTenantRequest{
		Domain:     c.domain,
		Name:       c.name,
		IsRootSite: c.rootSite,
	})
	if err != nil {
		if msg, ok := operatorMessage(err); ok {
			return errors.New(msg)
		}
		return fmt.Errorf("create site: %w", err)
	}
	fmt.Fprintln(c.env.Out, "Site created successfully.")
	return nil
}

func newListSitesCommand(root *Command) *Command {
	cmd := &Command{
		Name:        "listsites",
		Description: "List every site",
		Flags:       flag.NewFlagSet("listsites", flag.ContinueOnError),
		env:         root.env,
	}
	cmd.Flags.SetOutput(root.env.Err)

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		sites, cleanup, err := root.open(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		tenants, err := sites.ListTenants(ctx)
		if err != nil {
			return fmt.Errorf("list sites: %w", err)
		}
		if len(tenants) == 0 {
			fmt.Fprintln(root.env.Out, "No sites found.")
			return nil
		}

		w := tabwriter.NewWriter(root.env.Out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tDOMAIN\tNAME\tPUBLIC\tROOT\tALIASES")
		for _, t := range tenants {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\n",
				t.ID, t.Domain, t.Name, t.PublicDomain(), t.IsRootSite, strings.Join(t.AliasDomains(), ","))
		}
		return w.Flush()
	}
	return cmd
}

// operatorMessage extracts the message shown to the operator for
// validation and root-site failures
func operatorMessage(err error) (string, bool) {
	var (
		ve *tenancy.ValidationError
		ie *tenancy.InvariantViolationError
	)
	switch {
	case errors.As(err, &ve):
		return ve.Message, true
	case errors.As(err, &ie):
		return ie.Error(), true
	}
	return "", false
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

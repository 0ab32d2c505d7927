package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcphub-go/pkg/catalog"
	"github.com/vikashloomba/mcphub-go/pkg/ideconfig"
	"github.com/vikashloomba/mcphub-go/pkg/installer"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

func testCmd() *cobra.Command {
	var def mcpmgr.ServerDefinition
	cmd := &cobra.Command{
		Use:   "test [server-id] [-- command args...]",
		Short: "Connect to a server once and list its capabilities",
		Long: `Probe a server without registering it.

The server is either one of the configured servers, selected by id, or
given inline with --url or after "--" as a command line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				if len(args) == dash {
					return fmt.Errorf("missing command after --")
				}
				def.Command, def.Args = args[dash], args[dash+1:]
				args = args[:dash]
			}
			if len(args) > 0 {
				found := false
				for _, s := range cfg.Servers {
					if s.ID == args[0] {
						def, found = s, true
						break
					}
				}
				if !found {
					return fmt.Errorf("server %q is not configured", args[0])
				}
			}
			if def.ID == "" {
				def.ID = "probe"
			}
			return withApp(func(a *app) error {
				res := a.hub.TestConnection(cmd.Context(), def, nil)
				r := res.Data
				if !r.Success {
					return fmt.Errorf("%s: %s (%s)", def.ID, r.Message, r.ErrorKind)
				}
				fmt.Printf("%s: connected in %dms\n", def.ID, r.LatencyMs)
				fmt.Printf("  tools:     %d\n", len(r.Tools))
				for _, t := range r.Tools {
					fmt.Printf("    %-28s %s\n", t.Name, firstLine(t.Description))
				}
				fmt.Printf("  resources: %d\n", len(r.Resources))
				fmt.Printf("  prompts:   %d\n", len(r.Prompts))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&def.URL, "url", "", "SSE or streamable HTTP endpoint")
	cmd.Flags().StringVar(&def.Timeout, "timeout", "", "connection timeout, e.g. 30s")
	return cmd
}

func searchCmd() *cobra.Command {
	var (
		f        catalog.Filters
		verified bool
		output   string
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the MCP server catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Query = strings.Join(args, " ")
			if verified {
				f.Verified = &verified
			}
			return withApp(func(a *app) error {
				res := a.hub.SearchCatalog(cmd.Context(), f)
				if err := res.Err(); err != nil {
					return err
				}
				if output == "json" {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(res.Data)
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSOURCE\tDOWNLOADS\tSTARS\tDESCRIPTION")
				for _, e := range res.Data.Servers {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", e.ID, e.Source, e.Downloads, e.Stars, truncate(firstLine(e.Description), 60))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if res.Data.HasMore {
					fmt.Printf("\n%d of %d shown; use --offset for more\n", len(res.Data.Servers), res.Data.Total)
				}
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar((*string)(&f.Source), "source", "", "npm or github")
	flags.StringSliceVar(&f.Tags, "tag", nil, "required tag (repeatable)")
	flags.BoolVar(&verified, "verified", false, "only verified servers")
	flags.StringVar((*string)(&f.SortBy), "sort", "", "relevance, downloads, stars, updated or name")
	flags.IntVar(&f.Offset, "offset", 0, "skip this many results")
	flags.IntVar(&f.Limit, "limit", catalog.DefaultLimit, "page size")
	flags.StringVarP(&output, "output", "o", "text", "text or json")
	return cmd
}

func installCmd() *cobra.Command {
	var ic installer.Config
	var name string
	cmd := &cobra.Command{
		Use:   "install <package | owner/repo | path>",
		Short: "Install a server and print its definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if ic.Source == "" {
				ic.Source = guessSource(target)
			}
			switch ic.Source {
			case installer.SourceNPM:
				ic.PackageName = target
			case installer.SourceGitHub:
				ic.Repository = target
			case installer.SourceLocal:
				ic.Path = target
			}
			return withApp(func(a *app) error {
				return runInstall(cmd.Context(), a, ic, name)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar((*string)(&ic.Source), "source", "", "npm, github or local (guessed when empty)")
	flags.StringVar(&ic.Version, "version", "", "npm version or dist-tag")
	flags.StringVar(&ic.Branch, "branch", "", "git branch")
	flags.StringVar(&ic.SubPath, "subpath", "", "package directory inside the repository")
	flags.StringVar(&ic.Entry, "entry", "", "entry point relative to the package root")
	flags.StringVar(&name, "name", "", "display name")
	return cmd
}

func runInstall(ctx context.Context, a *app, ic installer.Config, name string) error {
	v := a.hub.ValidateInstall(ctx, ic)
	for _, issue := range v.Data.Errors {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", issue.Field, issue.Message)
	}
	for _, w := range v.Data.Warnings {
		fmt.Fprintf(os.Stderr, "  warning: %s\n", w.Message)
	}
	if err := v.Err(); err != nil {
		return err
	}

	started := a.hub.Install(ctx, ic, name, "")
	if err := started.Err(); err != nil {
		return err
	}
	updates, cancel, err := a.hub.WatchInstall(started.Data.InstallID)
	if err != nil {
		return err
	}
	defer cancel()

	var last installer.Progress
	for {
		select {
		case <-ctx.Done():
			a.hub.CancelInstall(started.Data.InstallID)
			return ctx.Err()
		case p, ok := <-updates:
			if !ok {
				return finishInstall(last)
			}
			if p.Stage != last.Stage || p.Message != last.Message {
				fmt.Fprintf(os.Stderr, "[%3d%%] %-11s %s\n", p.Progress, p.Stage, p.Message)
			}
			last = p
		}
	}
}

func finishInstall(p installer.Progress) error {
	if p.Status != installer.StatusCompleted || p.Result == nil {
		return fmt.Errorf("installation %s: %s", p.Status, p.ErrorMessage)
	}
	fmt.Fprintf(os.Stderr, "installed %s; add this to the servers list:\n", p.Name)
	return printYAML([]mcpmgr.ServerDefinition{*p.Result})
}

func importCmd() *cobra.Command {
	var client string
	cmd := &cobra.Command{
		Use:   "import [path]",
		Short: "Convert a desktop client config to mcphub server definitions",
		Long: fmt.Sprintf(`Read an mcpServers config and print the servers as YAML.

Without a path the default location of --client is used. Known clients:
%s`, knownClients()),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				p, err := ideconfig.DefaultPath(ideconfig.ClientType(client))
				if err != nil {
					return err
				}
				path = p
			}
			return withApp(func(a *app) error {
				res := a.hub.ImportIDEConfig(cmd.Context(), path, false)
				if err := res.Err(); err != nil {
					return err
				}
				for _, e := range res.Data.Validation.Errors {
					fmt.Fprintf(os.Stderr, "  error: %s\n", e)
				}
				for _, w := range res.Data.Validation.Warnings {
					fmt.Fprintf(os.Stderr, "  warning: %s\n", w)
				}
				for _, s := range res.Data.Skipped {
					fmt.Fprintf(os.Stderr, "  skipped: %s\n", s)
				}
				return printYAML(res.Data.Definitions)
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", string(ideconfig.ClaudeDesktop), "client whose default config path to read")
	return cmd
}

func printYAML(defs []mcpmgr.ServerDefinition) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]any{"servers": defs})
}

func guessSource(target string) installer.Source {
	switch {
	case strings.HasPrefix(target, ".") || strings.HasPrefix(target, "/"):
		return installer.SourceLocal
	case strings.HasPrefix(target, "@"):
		return installer.SourceNPM
	case strings.Count(target, "/") == 1:
		return installer.SourceGitHub
	}
	if _, err := os.Stat(target); err == nil {
		return installer.SourceLocal
	}
	return installer.SourceNPM
}

func knownClients() string {
	names := make([]string, 0, len(ideconfig.KnownClients))
	for _, c := range ideconfig.KnownClients {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

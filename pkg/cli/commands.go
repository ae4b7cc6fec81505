package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xarlytos/unisunis-sub000/pkg/audit"
	"github.com/xarlytos/unisunis-sub000/pkg/rbac"
)

// ErrDenied is returned by check when the decision is deny
var ErrDenied = errors.New("permission denied")

// ignoreHelp turns a -h request into a clean exit
func ignoreHelp(err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}

// requesterFlag registers -as, defaulting to UNIS_ADMIN_ID
func requesterFlag(fs *flag.FlagSet) *string {
	return fs.String("as", os.Getenv("UNIS_ADMIN_ID"), "Admin agent requesting the change (default $UNIS_ADMIN_ID)")
}

// splitIDs parses a comma separated id list, dropping blanks
func splitIDs(list string) []rbac.AgentID {
	var ids []rbac.AgentID
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, rbac.AgentID(part))
		}
	}
	return ids
}

func newMigrateCommand(rt *Runtime) *Command {
	return &Command{
		Name:        "migrate",
		Description: "Create or upgrade the database schema",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("migrate", rt.Out)
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				if err := app.Migrate(ctx); err != nil {
					return err
				}
				rt.Logger.Info("database schema is up to date")
				fmt.Fprintln(rt.Out, "migrations applied")
				return nil
			})
		},
	}
}

func newBootstrapCommand(rt *Runtime) *Command {
	return &Command{
		Name:        "bootstrap",
		Description: "Create the first admin of an empty directory",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("bootstrap", rt.Out)
			id := fs.String("id", "", "Id of the first admin")
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			if err := required(fs, "id"); err != nil {
				return err
			}
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				if err := app.Migrate(ctx); err != nil {
					return err
				}
				agent, err := app.Admin.Bootstrap(ctx, rbac.AgentID(*id))
				if err != nil {
					return err
				}
				rt.Logger.WithField("agent_id", agent.ID).Info("bootstrap admin created")
				fmt.Fprintf(rt.Out, "created admin %s\n", agent.ID)
				return nil
			})
		},
	}
}

func newAgentCommand(rt *Runtime) *Command {
	cmd := &Command{
		Name:        "agent",
		Description: "Create, list, deactivate or reactivate agents",
		Out:         rt.Out,
	}
	cmd.add(&Command{
		Name:        "create",
		Description: "Register a new agent",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("agent create", rt.Out)
			as := requesterFlag(fs)
			id := fs.String("id", "", "Agent id")
			role := fs.String("role", string(rbac.RoleCommercial), "Role: admin or commercial")
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			if err := required(fs, "as", "id", "role"); err != nil {
				return err
			}
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				agent, err := app.Admin.CreateAgent(ctx, rbac.AgentID(*id), rbac.Role(*role), rbac.AgentID(*as))
				if err != nil {
					return err
				}
				rt.Logger.WithFields(logrus.Fields{"agent_id": agent.ID, "role": agent.Role}).Info("agent created")
				fmt.Fprintf(rt.Out, "created %s agent %s\n", agent.Role, agent.ID)
				return nil
			})
		},
	})
	cmd.add(&Command{
		Name:        "list",
		Description: "List all agents",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("agent list", rt.Out)
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				agents, err := app.Store.ListAgents(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(rt.Out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tROLE\tACTIVE")
				for _, a := range agents {
					fmt.Fprintf(w, "%s\t%s\t%t\n", a.ID, a.Role, a.Active)
				}
				return w.Flush()
			})
		},
	})
	cmd.add(newSetActiveCommand(rt, "deactivate", "Deactivate an agent; its data is kept", false))
	cmd.add(newSetActiveCommand(rt, "reactivate", "Reactivate a deactivated agent", true))
	return cmd
}

func newSetActiveCommand(rt *Runtime, name, description string, active bool) *Command {
	return &Command{
		Name:        name,
		Description: description,
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("agent "+name, rt.Out)
			as := requesterFlag(fs)
			id := fs.String("id", "", "Agent id")
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			if err := required(fs, "as", "id"); err != nil {
				return err
			}
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				var err error
				if active {
					err = app.Admin.ReactivateAgent(ctx, rbac.AgentID(*id), rbac.AgentID(*as))
				} else {
					err = app.Admin.DeactivateAgent(ctx, rbac.AgentID(*id), rbac.AgentID(*as))
				}
				if err != nil {
					return err
				}
				rt.Logger.WithFields(logrus.Fields{"agent_id": *id, "active": active}).Info("agent status changed")
				fmt.Fprintf(rt.Out, "%sd %s\n", name, *id)
				return nil
			})
		},
	}
}

func newGrantCommand(rt *Runtime) *Command {
	return &Command{
		Name:        "grant",
		Description: "Let -grantee view contacts owned by -granter",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("grant", rt.Out)
			as := requesterFlag(fs)
			granter := fs.String("granter", "", "Agent whose contacts become visible")
			grantee := fs.String("grantee", "", "Agent receiving visibility")
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			if err := required(fs, "as", "granter", "grantee"); err != nil {
				return err
			}
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				grant, err := app.Admin.GrantView(ctx, rbac.AgentID(*granter), rbac.AgentID(*grantee), rbac.AgentID(*as))
				if err != nil {
					return err
				}
				rt.Logger.WithFields(logrus.Fields{"granter": grant.GranterID, "grantee": grant.GranteeID}).Info("view grant added")
				fmt.Fprintf(rt.Out, "%s can now view contacts of %s\n", grant.GranteeID, grant.GranterID)
				return nil
			})
		},
	}
}

func newRevokeCommand(rt *Runtime) *Command {
	return &Command{
		Name:        "revoke",
		Description: "Remove a view grant",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("revoke", rt.Out)
			as := requesterFlag(fs)
			granter := fs.String("granter", "", "Agent whose contacts were visible")
			grantee := fs.String("grantee", "", "Agent losing visibility")
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			if err := required(fs, "as", "granter", "grantee"); err != nil {
				return err
			}
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				removed, err := app.Admin.RevokeView(ctx, rbac.AgentID(*granter), rbac.AgentID(*grantee), rbac.AgentID(*as))
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintf(rt.Out, "no grant from %s to %s\n", *granter, *grantee)
					return nil
				}
				rt.Logger.WithFields(logrus.Fields{"granter": *granter, "grantee": *grantee}).Info("view grant removed")
				fmt.Fprintf(rt.Out, "%s can no longer view contacts of %s\n", *grantee, *granter)
				return nil
			})
		},
	}
}

func newSetGrantsCommand(rt *Runtime) *Command {
	return &Command{
		Name:        "set-grants",
		Description: "Replace every grant held by -grantee",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("set-grants", rt.Out)
			as := requesterFlag(fs)
			grantee := fs.String("grantee", "", "Agent whose grants are replaced")
			granters := fs.String("granters", "", "Comma separated granter ids; empty clears all grants")
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			if err := required(fs, "as", "grantee"); err != nil {
				return err
			}
			ids := splitIDs(*granters)
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				if err := app.Admin.SetGrants(ctx, rbac.AgentID(*grantee), ids, rbac.AgentID(*as)); err != nil {
					return err
				}
				rt.Logger.WithFields(logrus.Fields{"grantee": *grantee, "granters": len(ids)}).Info("grants replaced")
				fmt.Fprintf(rt.Out, "%s now holds %d grants\n", *grantee, len(ids))
				return nil
			})
		},
	}
}

func newAssignManagerCommand(rt *Runtime) *Command {
	return &Command{
		Name:        "assign-manager",
		Description: "Make -subordinate report to -manager",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("assign-manager", rt.Out)
			as := requesterFlag(fs)
			manager := fs.String("manager", "", "Manager id")
			subordinate := fs.String("subordinate", "", "Subordinate id")
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			if err := required(fs, "as", "manager", "subordinate"); err != nil {
				return err
			}
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				err := app.Admin.AssignManager(ctx, rbac.AgentID(*subordinate), rbac.AgentID(*manager), rbac.AgentID(*as))
				if err != nil {
					return err
				}
				rt.Logger.WithFields(logrus.Fields{"manager": *manager, "subordinate": *subordinate}).Info("manager assigned")
				fmt.Fprintf(rt.Out, "%s now reports to %s\n", *subordinate, *manager)
				return nil
			})
		},
	}
}

func newRemoveManagerCommand(rt *Runtime) *Command {
	return &Command{
		Name:        "remove-manager",
		Description: "Detach -subordinate from its manager",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("remove-manager", rt.Out)
			as := requesterFlag(fs)
			subordinate := fs.String("subordinate", "", "Subordinate id")
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			if err := required(fs, "as", "subordinate"); err != nil {
				return err
			}
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				removed, err := app.Admin.RemoveManager(ctx, rbac.AgentID(*subordinate), rbac.AgentID(*as))
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintf(rt.Out, "%s has no manager\n", *subordinate)
					return nil
				}
				rt.Logger.WithField("subordinate", *subordinate).Info("manager removed")
				fmt.Fprintf(rt.Out, "%s no longer has a manager\n", *subordinate)
				return nil
			})
		},
	}
}

func newCheckCommand(rt *Runtime) *Command {
	return &Command{
		Name:        "check",
		Description: "Decide whether -actor may perform -action on contacts of -owner",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("check", rt.Out)
			actor := fs.String("actor", "", "Acting agent id")
			action := fs.String("action", string(rbac.ActionView), "view, edit or delete")
			owner := fs.String("owner", "", "Owner of the contact")
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			if err := required(fs, "actor", "owner"); err != nil {
				return err
			}
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				agent, err := app.Agent(ctx, rbac.AgentID(*actor))
				if err != nil {
					return err
				}
				decision, err := app.Engine.Decide(ctx, *agent, rbac.ParseAction(*action), rbac.AgentID(*owner))
				if err != nil {
					return err
				}
				if !decision.Allowed {
					fmt.Fprintf(rt.Out, "deny: %s\n", decision.Reason)
					return ErrDenied
				}
				fmt.Fprintf(rt.Out, "allow: %s\n", decision.Reason)
				return nil
			})
		},
	}
}

func newVisibleCommand(rt *Runtime) *Command {
	return &Command{
		Name:        "visible",
		Description: "List the owners whose contacts -actor may view",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("visible", rt.Out)
			actor := fs.String("actor", "", "Acting agent id")
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}
			if err := required(fs, "actor"); err != nil {
				return err
			}
			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				agent, err := app.Agent(ctx, rbac.AgentID(*actor))
				if err != nil {
					return err
				}
				if !agent.Active {
					rt.Logger.WithField("actor", agent.ID).Warn("inactive agents see nothing")
					return nil
				}

				if agent.IsAdmin() {
					// admins see every owner; list the registered ones
					agents, err := app.Store.ListAgents(ctx)
					if err != nil {
						return err
					}
					for _, a := range agents {
						fmt.Fprintln(rt.Out, a.ID)
					}
					return nil
				}

				set, err := app.Resolver.VisibleOwners(ctx, agent.ID)
				if err != nil {
					return err
				}
				for _, id := range set.IDs() {
					fmt.Fprintln(rt.Out, id)
				}
				return nil
			})
		},
	}
}

func newAuditCommand(rt *Runtime) *Command {
	cmd := &Command{
		Name:        "audit",
		Description: "Inspect the audit trail",
		Out:         rt.Out,
	}
	cmd.add(&Command{
		Name:        "search",
		Description: "Print matching audit events as JSON lines, newest first",
		Run: func(ctx context.Context, args []string) error {
			fs := newFlagSet("audit search", rt.Out)
			actor := fs.String("actor", "", "Requesting agent")
			subject := fs.String("subject", "", "Subject agent")
			eventType := fs.String("type", "", "Comma separated event types")
			status := fs.String("status", "", "success, failure or denied")
			since := fs.Duration("since", 0, "Only events newer than this")
			limit := fs.Int("limit", 100, "Maximum number of events")
			if err := parseFlags(fs, args); err != nil {
				return ignoreHelp(err)
			}

			filter := audit.SearchFilter{
				ActorID:   *actor,
				SubjectID: *subject,
				Limit:     *limit,
			}
			for _, t := range strings.Split(*eventType, ",") {
				if t = strings.TrimSpace(t); t != "" {
					filter.EventTypes = append(filter.EventTypes, audit.EventType(t))
				}
			}
			if *status != "" {
				s := audit.EventStatus(*status)
				filter.Status = &s
			}
			if *since > 0 {
				start := time.Now().UTC().Add(-*since)
				filter.StartTime = &start
			}

			return rt.withApp(ctx, func(ctx context.Context, app *App) error {
				if app.AuditDB == nil {
					return fmt.Errorf("audit search requires the database audit sink")
				}
				events, err := app.AuditDB.Search(ctx, filter)
				if err != nil {
					return err
				}
				for _, event := range events {
					line, err := event.ToJSON()
					if err != nil {
						return err
					}
					fmt.Fprintln(rt.Out, string(line))
				}
				return nil
			})
		},
	})
	return cmd
}

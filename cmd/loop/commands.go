package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"closedloop/internal/app"
	"closedloop/internal/domain"
	"closedloop/internal/engine"
	"closedloop/internal/events"
	"closedloop/internal/repo"
)

func proposalCmd() *cobra.Command {
	p := &cobra.Command{Use: "proposal", Short: "Submit and review proposals"}
	p.AddCommand(proposalSubmitCmd())
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalApproveCmd())
	p.AddCommand(proposalRejectCmd())
	return p
}

func proposalSubmitCmd() *cobra.Command {
	var (
		in     engine.ProposalInput
		manual bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposal through the quota and policy gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if manual {
				off := false
				in.AutoApproveLowRisk = &off
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SubmitProposal(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.AgentID, "agent", "", "proposing agent id")
	cmd.Flags().StringVar(&in.AgentName, "agent-name", "", "display name (defaults to the roster)")
	cmd.Flags().StringVar(&in.Title, "title", "", "proposal title")
	cmd.Flags().StringVar(&in.Description, "description", "", "proposal description")
	cmd.Flags().StringArrayVar(&in.ProposedSteps, "step", nil, "proposed step (repeatable)")
	cmd.Flags().StringVar(&in.Kind, "kind", "", "task kind, e.g. research or deploy")
	cmd.Flags().BoolVar(&manual, "manual", false, "never auto-approve")
	return cmd
}

func proposalRows(items []domain.Proposal) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, p := range items {
		rows = append(rows, table.Row{p.ID, p.AgentName, p.Kind, p.Status, p.Title, p.CreatedAt.Format("2006-01-02 15:04")})
	}
	return rows
}

func proposalListCmd() *cobra.Command {
	var status, agent string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals (pending by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.ProposalFilters{AgentID: agent, Limit: limit}
				if status != "all" {
					f.Status = domain.ProposalStatus(status)
				}
				items, err := a.Engine.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				return printTable(items, table.Row{"ID", "Agent", "Kind", "Status", "Title", "Created"}, proposalRows(items))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.ProposalPending), "pending, accepted, rejected or all")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, ok, err := a.Engine.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("proposal %s not found", args[0])
				}
				return printJSON(p)
			})
		},
	}
}

func proposalApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, ok, err := a.Engine.ApproveProposal(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("proposal %s not found or already processed", args[0])
				}
				return printJSON(res)
			})
		},
	}
}

func proposalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ok, err := a.Engine.RejectProposal(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("proposal %s not found or already processed", args[0])
				}
				fmt.Printf("Rejected %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Inspect and drive missions"}
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionStatusCmd())
	return m
}

func missionListCmd() *cobra.Command {
	var statuses []string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions (active by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.MissionFilters{Limit: limit}
				for _, s := range statuses {
					f.Statuses = append(f.Statuses, domain.MissionStatus(s))
				}
				if len(f.Statuses) == 0 {
					f.Statuses = []domain.MissionStatus{domain.MissionApproved, domain.MissionRunning}
				}
				items, err := a.Engine.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, m := range items {
					rows = append(rows, table.Row{m.ID, m.Status, m.CreatedBy, m.Title, m.CreatedAt.Format("2006-01-02 15:04")})
				}
				return printTable(items, table.Row{"ID", "Status", "Created By", "Title", "Created"}, rows)
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "statuses to include")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, ok, err := a.Engine.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("mission %s not found", args[0])
				}
				rows := make([]table.Row, 0, len(d.Steps))
				for _, s := range d.Steps {
					rows = append(rows, table.Row{s.Position, s.ID, s.Status, s.Kind, s.Description})
				}
				return printTable(d, table.Row{"#", "Step", "Status", "Kind", "Description"}, rows)
			})
		},
	}
}

func missionCreateCmd() *cobra.Command {
	var in engine.MissionInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an approved mission without a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.CreateMission(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "mission title")
	cmd.Flags().StringVar(&in.Description, "description", "", "mission description")
	cmd.Flags().StringVar(&in.CreatedBy, "created-by", "", "creator id")
	cmd.Flags().StringVar(&in.Kind, "kind", "", "step kind")
	cmd.Flags().StringArrayVar(&in.Steps, "step", nil, "step description (repeatable)")
	return cmd
}

func missionStatusCmd() *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a mission to running, succeeded or failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, ok, err := a.Engine.SetMissionStatus(ctx, args[0], domain.MissionStatus(args[1]), outcome)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("mission %s not found", args[0])
				}
				return printJSON(m)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome text")
	return cmd
}

func stepCmd() *cobra.Command {
	s := &cobra.Command{Use: "step", Short: "Report step progress"}
	s.AddCommand(&cobra.Command{
		Use:   "start <id>",
		Short: "Start a queued step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, ok, err := a.Engine.StartStep(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("step %s not found or not queued", args[0])
				}
				return printJSON(st)
			})
		},
	})
	s.AddCommand(stepResolveCmd("complete", "Mark a step succeeded", func(e engine.Engine) stepResolver { return e.CompleteStep }))
	s.AddCommand(stepResolveCmd("fail", "Mark a step failed", func(e engine.Engine) stepResolver { return e.FailStep }))
	return s
}

type stepResolver func(ctx context.Context, stepID, result string) (domain.Event, bool, error)

func stepResolveCmd(use, short string, pick func(engine.Engine) stepResolver) *cobra.Command {
	var result string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, ok, err := pick(a.Engine)(ctx, args[0], result)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("step %s not found", args[0])
				}
				return printJSON(ev)
			})
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "result text")
	return cmd
}

func eventRows(items []domain.Event) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, e := range items {
		rows = append(rows, table.Row{e.ID, e.CreatedAt.Format("2006-01-02 15:04"), e.Kind, e.AgentName, e.Title, strings.Join(e.Tags, ",")})
	}
	return rows
}

var eventHeader = table.Row{"ID", "When", "Kind", "Agent", "Title", "Tags"}

func eventsCmd() *cobra.Command {
	var limit int
	ev := &cobra.Command{Use: "events", Short: "Read the event log"}
	ev.PersistentFlags().IntVarP(&limit, "limit", "n", events.DefaultRecentLimit, "number of events")
	ev.AddCommand(&cobra.Command{
		Use:   "recent",
		Short: "Newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.GetRecentEvents(ctx, limit)
				if err != nil {
					return err
				}
				return printTable(items, eventHeader, eventRows(items))
			})
		},
	})
	ev.AddCommand(&cobra.Command{
		Use:   "agent <agent-id>",
		Short: "Events authored by or tagged with an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.GetEventsByAgent(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printTable(items, eventHeader, eventRows(items))
			})
		},
	})
	ev.AddCommand(&cobra.Command{
		Use:   "tag <tag>",
		Short: "Events carrying a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.GetEventsByTag(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printTable(items, eventHeader, eventRows(items))
			})
		},
	})
	var days int
	learnings := &cobra.Command{
		Use:   "learnings <agent-id>",
		Short: "Step and milestone learnings for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.GetAgentLearnings(ctx, args[0], days)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, l := range items {
					rows = append(rows, table.Row{l.When.Format("2006-01-02 15:04"), l.What, strings.Join(l.Tags, ",")})
				}
				return printTable(items, table.Row{"When", "What", "Tags"}, rows)
			})
		},
	}
	learnings.Flags().IntVar(&days, "days", events.DefaultLearningDays, "look-back window in days")
	ev.AddCommand(learnings)
	return ev
}

func affinityRows(items []domain.Affinity) []table.Row {
	rows := make([]table.Row, 0, len(items))
	for _, a := range items {
		rows = append(rows, table.Row{a.AgentA, a.AgentB, a.Score, a.Interactions})
	}
	return rows
}

var affinityHeader = table.Row{"Agent A", "Agent B", "Score", "Interactions"}

func affinityCmd() *cobra.Command {
	af := &cobra.Command{Use: "affinity", Short: "Collaboration scores between agents"}
	af.AddCommand(&cobra.Command{
		Use:   "get <agent-a> <agent-b>",
		Short: "Score of one pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				aff, err := a.Engine.GetAffinity(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printTable(aff, affinityHeader, affinityRows([]domain.Affinity{aff}))
			})
		},
	})
	af.AddCommand(&cobra.Command{
		Use:   "list <agent-id>",
		Short: "Every partner of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListAffinities(ctx, args[0])
				if err != nil {
					return err
				}
				return printTable(items, affinityHeader, affinityRows(items))
			})
		},
	})
	var negative bool
	bump := &cobra.Command{
		Use:   "bump <agent-a> <agent-b>",
		Short: "Record a collaboration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				aff, err := a.Engine.UpdateCollaborationAffinity(ctx, args[0], args[1], !negative)
				if err != nil {
					return err
				}
				return printTable(aff, affinityHeader, affinityRows([]domain.Affinity{aff}))
			})
		},
	}
	bump.Flags().BoolVar(&negative, "negative", false, "the collaboration went badly")
	af.AddCommand(bump)
	return af
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "The agent roster"}
	ag.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Roster.List(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, agent := range items {
					rows = append(rows, table.Row{agent.ID, agent.Emoji, agent.Name, agent.Role})
				}
				return printTable(items, table.Row{"ID", "", "Name", "Role"}, rows)
			})
		},
	})
	return ag
}

func quotaRow(l domain.Limit) []table.Row {
	return []table.Row{{l.AgentID, l.ProposalsToday, l.DailyProposalLimit, l.LastReset.Format("2006-01-02 15:04")}}
}

var quotaHeader = table.Row{"Agent", "Used", "Limit", "Last Reset"}

func quotaCmd() *cobra.Command {
	q := &cobra.Command{Use: "quota", Short: "Daily proposal quotas"}
	q.AddCommand(&cobra.Command{
		Use:   "show <agent-id>",
		Short: "Today's usage for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				l, err := a.Engine.GetQuota(ctx, args[0])
				if err != nil {
					return err
				}
				return printTable(l, quotaHeader, quotaRow(l))
			})
		},
	})
	q.AddCommand(&cobra.Command{
		Use:   "set <agent-id> <limit>",
		Short: "Change an agent's daily limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("limit must be a number: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				l, err := a.Engine.SetDailyLimit(ctx, args[0], n)
				if err != nil {
					return err
				}
				return printTable(l, quotaHeader, quotaRow(l))
			})
		},
	})
	return q
}

func digestCmd() *cobra.Command {
	d := &cobra.Command{Use: "digest", Short: "Learning digests"}
	d.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Write one digest event per agent with recent learnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Digest().RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Wrote %d digest(s)\n", n)
				return nil
			})
		},
	})
	return d
}

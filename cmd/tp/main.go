package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tradepost/internal/app"
	"tradepost/internal/config"
	"tradepost/internal/db"
	"tradepost/internal/domain"
	"tradepost/internal/engine"
	"tradepost/internal/migrate"
	"tradepost/internal/repo"
	"tradepost/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "Tradepost CLI",
	Long: `Tradepost runs a peer-to-peer skill marketplace with a progression layer.
Core concepts:
- Workspace: your .tradepost directory holding the database; config is stored in the DB and imported explicitly.
- Market: one marketplace that owns collaborations, roles and trades.
- Collaborations and roles: an owner defines roles, others apply, accepted applicants do the work; completing a role grants XP.
- Trades: two-party skill exchanges; proposals, mutual confirmation, disputes.
- Progression: XP with additive bonuses, tiers (solo, trade, collaboration), streaks with freezes, achievements.
- Event log: diary of everything that happened, view with 'tp log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRADEPOST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-roles", "", "comma-separated actor roles (e.g. admin)")
	rootCmd.PersistentFlags().String("market", "", "market id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-roles", rootCmd.PersistentFlags().Lookup("actor-roles"))
	_ = viper.BindPFlag("market", rootCmd.PersistentFlags().Lookup("market"))
}

func registerCommands() {
	rootCmd.AddCommand(marketCmd())
	rootCmd.AddCommand(collabCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(tradeCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(streakCmd())
	rootCmd.AddCommand(achievementsCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func cliActor() domain.ActingActor {
	actor := domain.ActingActor{ID: viper.GetString("actor-id")}
	for _, r := range strings.Split(viper.GetString("actor-roles"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			actor.Roles = append(actor.Roles, r)
		}
	}
	return actor
}

func marketCmd() *cobra.Command {
	m := &cobra.Command{Use: "market", Short: "Manage the marketplace"}
	m.AddCommand(marketCreateCmd())
	m.AddCommand(marketShowCmd())
	m.AddCommand(marketUseCmd())
	m.AddCommand(marketConfigCmd())
	return m
}

func marketCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create market",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			if err := e.InitMarket(cmd.Context(), id, desc, viper.GetString("actor-id")); err != nil {
				return err
			}
			return printJSONOrTable(map[string]string{"market_id": id, "status": "active"})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "market id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func marketShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active market",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(map[string]string{"market_id": e.Config.Market.ID, "kind": e.Config.Market.Kind})
			})
		},
	}
	return cmd
}

func marketUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current market for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			marketID := strings.TrimSpace(args[0])
			if marketID == "" {
				return fmt.Errorf("market id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "TRADEPOST_MARKET", marketID); err != nil {
				return err
			}
			fmt.Printf("Set TRADEPOST_MARKET=%s in %s/.env\n", marketID, workspace)
			return nil
		},
	}
	return cmd
}

func marketConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage market config",
	}
	cfg.AddCommand(marketConfigShowCmd())
	cfg.AddCommand(marketConfigImportCmd())
	return cfg
}

func marketConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show market config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func marketConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import market config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			marketID := cfg.Market.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if marketID == "" {
					marketID = e.Config.Market.ID
				}
				if err := e.Repo.UpsertMarketConfig(ctx, marketID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func collabCmd() *cobra.Command {
	c := &cobra.Command{Use: "collab", Short: "Manage collaborations"}
	c.AddCommand(collabCreateCmd())
	c.AddCommand(collabListCmd())
	c.AddCommand(collabShowCmd())
	c.AddCommand(collabCancelCmd())
	return c
}

func collabCreateCmd() *cobra.Command {
	var title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create collaboration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCollaboration(ctx, cliActor(), engine.CollaborationCreateOptions{
					Title:       title,
					Description: desc,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "collaboration title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func collabListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collaborations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCollaborations(ctx, e.Config.Market.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Creator", "Status"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.CreatorID, c.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func collabShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show collaboration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCollaboration(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func collabCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel collaboration (closes its roles, rejects pending applications)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.CancelCollaboration(ctx, cliActor(), args[0])
			})
		},
	}
	return cmd
}

func roleCmd() *cobra.Command {
	r := &cobra.Command{Use: "role", Short: "Manage roles and applications"}
	r.AddCommand(roleCreateCmd())
	r.AddCommand(roleListCmd())
	r.AddCommand(roleGetCmd())
	r.AddCommand(roleApplyCmd())
	r.AddCommand(roleApplicationsCmd())
	r.AddCommand(roleAcceptCmd())
	r.AddCommand(roleRejectCmd())
	r.AddCommand(roleCompleteCmd())
	return r
}

func roleCreateCmd() *cobra.Command {
	var collabID, title, difficulty string
	var skills []string
	var estimatedHours int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Define a role in a collaboration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.RoleCreateOptions{
					CollaborationID: collabID,
					Title:           title,
					RequiredSkills:  skills,
					Difficulty:      difficulty,
				}
				if cmd.Flags().Changed("estimated-hours") {
					opts.EstimatedHours = &estimatedHours
				}
				role, err := e.CreateRole(ctx, cliActor(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(role)
			})
		},
	}
	cmd.Flags().StringVar(&collabID, "collab", "", "collaboration id")
	cmd.Flags().StringVar(&title, "title", "", "role title")
	cmd.Flags().StringArrayVar(&skills, "skill", []string{}, "required skill (repeatable)")
	cmd.Flags().StringVar(&difficulty, "difficulty", "beginner", "difficulty (beginner, intermediate, advanced, expert)")
	cmd.Flags().IntVar(&estimatedHours, "estimated-hours", 0, "estimated hours")
	_ = cmd.MarkFlagRequired("collab")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func roleListCmd() *cobra.Command {
	var f repo.RoleFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.MarketID == "" {
					f.MarketID = e.Config.Market.ID
				}
				roles, err := e.Repo.ListRoles(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Difficulty", "Status", "Collaboration"})
				for _, role := range roles {
					tw.AppendRow(table.Row{role.ID, role.Title, role.Difficulty, role.Status, role.CollaborationID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CollaborationID, "collab", "", "collaboration filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func roleGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				role, err := e.Repo.GetRole(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(role)
			})
		},
	}
	return cmd
}

func roleApplyCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "apply <role-id>",
		Short: "Apply to a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SubmitApplication(ctx, cliActor(), args[0], message)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "application message")
	return cmd
}

func roleApplicationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "applications <role-id>",
		Short: "List applications for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApplications(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Applicant", "Status", "Submitted"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ApplicantID, a.Status, a.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func roleAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <role-id> <application-id>",
		Short: "Accept an application (fills the role, rejects siblings)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				role, err := e.AcceptApplication(ctx, cliActor(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(role)
			})
		},
	}
	return cmd
}

func roleRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <role-id> <application-id>",
		Short: "Reject an application",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RejectApplication(ctx, cliActor(), args[0], args[1])
			})
		},
	}
	return cmd
}

func roleCompleteCmd() *cobra.Command {
	var quality int
	var firstAttempt bool
	cmd := &cobra.Command{
		Use:   "complete <role-id>",
		Short: "Complete a filled role (grants XP to the accepted applicant)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.RoleCompleteOptions{FirstAttempt: firstAttempt}
				if cmd.Flags().Changed("quality") {
					opts.QualityScore = &quality
				}
				role, progression, err := e.CompleteRole(ctx, cliActor(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"role": role, "progression": progression})
			})
		},
	}
	cmd.Flags().IntVar(&quality, "quality", 0, "quality score 0-100")
	cmd.Flags().BoolVar(&firstAttempt, "first-attempt", false, "work accepted on first attempt")
	return cmd
}

func tradeCmd() *cobra.Command {
	t := &cobra.Command{Use: "trade", Short: "Manage trades and proposals"}
	t.AddCommand(tradeCreateCmd())
	t.AddCommand(tradeListCmd())
	t.AddCommand(tradeGetCmd())
	t.AddCommand(tradeProposeCmd())
	t.AddCommand(tradeProposalsCmd())
	t.AddCommand(tradeAcceptCmd())
	t.AddCommand(tradeRejectCmd())
	t.AddCommand(tradeConfirmCmd())
	t.AddCommand(tradeDisputeCmd())
	t.AddCommand(tradeCancelCmd())
	return t
}

func tradeCreateCmd() *cobra.Command {
	var offered, requested, difficulty string
	var estimatedHours int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a trade",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TradeCreateOptions{
					OfferedSkill:   offered,
					RequestedSkill: requested,
					Difficulty:     difficulty,
				}
				if cmd.Flags().Changed("estimated-hours") {
					opts.EstimatedHours = &estimatedHours
				}
				t, err := e.CreateTrade(ctx, cliActor(), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&offered, "offer", "", "offered skill")
	cmd.Flags().StringVar(&requested, "request", "", "requested skill")
	cmd.Flags().StringVar(&difficulty, "difficulty", "beginner", "difficulty (beginner, intermediate, advanced, expert)")
	cmd.Flags().IntVar(&estimatedHours, "estimated-hours", 0, "estimated hours")
	_ = cmd.MarkFlagRequired("offer")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func tradeListCmd() *cobra.Command {
	var f repo.TradeFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.MarketID == "" {
					f.MarketID = e.Config.Market.ID
				}
				trades, err := e.Repo.ListTrades(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trades)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Offer", "Request", "Difficulty", "Status", "Counterparty"})
				for _, t := range trades {
					counterparty := ""
					if t.CounterpartyID != nil {
						counterparty = *t.CounterpartyID
					}
					tw.AppendRow(table.Row{t.ID, t.OfferedSkill, t.RequestedSkill, t.Difficulty, t.Status, counterparty})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "party filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func tradeGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTrade(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func tradeProposeCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "propose <trade-id>",
		Short: "Propose on a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SubmitProposal(ctx, cliActor(), args[0], message)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "proposal message")
	return cmd
}

func tradeProposalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposals <trade-id>",
		Short: "List proposals for a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Proposer", "Status", "Submitted"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.ProposerID, p.Status, p.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func tradeAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <trade-id> <proposal-id>",
		Short: "Accept a proposal (starts the trade, rejects siblings)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AcceptProposal(ctx, cliActor(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func tradeRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <trade-id> <proposal-id>",
		Short: "Reject a proposal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RejectProposal(ctx, cliActor(), args[0], args[1])
			})
		},
	}
	return cmd
}

func tradeConfirmCmd() *cobra.Command {
	var rating int
	cmd := &cobra.Command{
		Use:   "confirm <trade-id>",
		Short: "Confirm trade completion (second confirmation completes it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var ratingPtr *int
				if cmd.Flags().Changed("rating") {
					ratingPtr = &rating
				}
				res, err := e.RequestCompletion(ctx, cliActor(), args[0], ratingPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "counterparty quality rating 0-100")
	return cmd
}

func tradeDisputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispute <trade-id>",
		Short: "Dispute a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Dispute(ctx, cliActor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func tradeCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <trade-id>",
		Short: "Cancel a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTrade(ctx, cliActor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func progressCmd() *cobra.Command {
	p := &cobra.Command{Use: "progress", Short: "Progression"}
	p.AddCommand(progressShowCmd())
	p.AddCommand(progressCompleteCmd())
	return p
}

func progressShowCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show progression for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				p, err := e.GetProgress(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (default: current)")
	return cmd
}

func progressCompleteCmd() *cobra.Command {
	var kind, difficulty, entityID string
	var quality int
	var early, firstAttempt bool
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Record a completion (solo challenges and external completions)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evt := engine.CompletionEvent{
					Kind:            kind,
					EntityKind:      kind,
					EntityID:        entityID,
					Difficulty:      difficulty,
					EarlyCompletion: early,
					FirstAttempt:    firstAttempt,
				}
				if cmd.Flags().Changed("quality") {
					evt.QualityScore = &quality
				}
				res, err := e.OnCompletion(ctx, viper.GetString("actor-id"), evt)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "solo", "completion kind (solo, trade, collaboration)")
	cmd.Flags().StringVar(&difficulty, "difficulty", "beginner", "difficulty (beginner, intermediate, advanced, expert)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "completed entity id")
	cmd.Flags().IntVar(&quality, "quality", 0, "quality score 0-100")
	cmd.Flags().BoolVar(&early, "early", false, "early completion")
	cmd.Flags().BoolVar(&firstAttempt, "first-attempt", false, "first attempt success")
	return cmd
}

func streakCmd() *cobra.Command {
	s := &cobra.Command{Use: "streak", Short: "Streaks and freezes"}
	s.AddCommand(streakListCmd())
	s.AddCommand(streakRecordCmd())
	s.AddCommand(streakGrantCmd())
	return s
}

func streakListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List streaks for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				items, err := e.ListStreaks(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Category", "Current", "Longest", "Last Activity", "Freezes"})
				for _, s := range items {
					last := ""
					if s.LastActivityDate != nil {
						last = *s.LastActivityDate
					}
					tw.AppendRow(table.Row{s.Category, s.CurrentStreak, s.LongestStreak, last, s.FreezesAvailable})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (default: current)")
	return cmd
}

func streakRecordCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a streak activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordActivity(ctx, cliActor(), category, time.Time{})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "login", "streak category (login, practice, challenge)")
	return cmd
}

func streakGrantCmd() *cobra.Command {
	var actorID, category string
	var count int
	cmd := &cobra.Command{
		Use:   "grant-freezes",
		Short: "Grant streak freezes to an actor (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.GrantFreezes(ctx, cliActor(), actorID, category, count)
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "target actor id")
	cmd.Flags().StringVar(&category, "category", "login", "streak category")
	cmd.Flags().IntVar(&count, "count", 1, "number of freezes")
	return cmd
}

func achievementsCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "achievements",
		Short: "List achievement unlocks for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				items, err := e.ListAchievements(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Achievement", "Version", "Unlocked"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.AchievementID, a.RuleVersion, a.UnlockedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (default: current)")
	return cmd
}

func accessCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "access <tier>",
		Short: "Check tier access (solo, trade, collaboration)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				d, err := e.CanAccessTier(ctx, actorID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (default: current)")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: lifecycle transitions, XP awards, tier unlocks, achievements.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Market.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(rawKey),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": actorID, "key": rawKey})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (default: current)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveMarketAndConfig(cmd.Context(), viper.GetString("market"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TRADEPOST_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TRADEPOST_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Tradepost API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveMarketAndConfig(ctx, viper.GetString("market"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

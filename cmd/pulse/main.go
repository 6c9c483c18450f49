// Pulse CLI - manage rules and analyze conversations offline.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantumlife/pulse/internal/config"
	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/intelligence"
	"github.com/quantumlife/pulse/internal/lexicon"
	"github.com/quantumlife/pulse/internal/rules"
	"github.com/quantumlife/pulse/internal/storage"
	"github.com/quantumlife/pulse/internal/window"
)

var (
	configPath string
	version    = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulse",
		Short: "Pulse - conversation insights and automation",
		Long: `Pulse watches conversations, scores how they are going and runs
your automation rules against every message.

This tool manages the rule set stored by the daemon and can analyze an
exported conversation without a running server.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $HOME/.pulse/config.json)")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(analyzeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pulse %s\n", version)
		},
	}
}

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printJSON indents for people and stays compact for pipes
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	if isTerminal(w) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func openStore(ctx context.Context) (*storage.DB, *storage.RuleStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, err
	}
	db, err := storage.Open(storage.Config{Driver: cfg.Storage.Driver, Path: cfg.DBPath()})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}
	return db, storage.NewRuleStore(db), nil
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (API keys hidden)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			safe := *cfg
			safe.AI.Claude.APIKey = redact(safe.AI.Claude.APIKey)
			safe.AI.OpenAI.APIKey = redact(safe.AI.OpenAI.APIKey)
			return printJSON(cmd.OutOrStdout(), safe)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			path := configPath
			if path == "" {
				path = filepath.Join(cfg.DataDir, "config.json")
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	})

	return cmd
}

func redact(key string) string {
	if key == "" {
		return ""
	}
	return "***"
}

// --- rules ---

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage automation rules",
	}
	cmd.AddCommand(rulesListCmd(), rulesValidateCmd(), rulesImportCmd(), rulesExportCmd(), rulesDeleteCmd())
	return cmd
}

func rulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := store.ListRules(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No rules yet. Add some with 'pulse rules import'.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PRIORITY\tID\tNAME\tENABLED\tFIRED\tLAST FIRED\tSTATUS")
			for _, r := range list {
				last := "-"
				if r.LastTriggeredAt != nil {
					last = r.LastTriggeredAt.Local().Format(time.DateTime)
				}
				status := "ok"
				if err := rules.Validate(r); err != nil {
					status = "invalid"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%v\t%d\t%s\t%s\n",
					r.Priority, r.ID, r.Name, r.Enabled, r.TriggerCount, last, status)
			}
			return tw.Flush()
		},
	}
}

// readRules accepts one rule or an array of rules
func readRules(path string) ([]core.Rule, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []core.Rule
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return list, nil
	}
	var r core.Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return []core.Rule{r}, nil
}

// readInput reads a file, or stdin for "-"
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func withDefaults(r core.Rule) core.Rule {
	if r.ConditionLogic == "" {
		r.ConditionLogic = core.LogicAll
	}
	return r
}

func rulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check rule definitions without storing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := readRules(args[0])
			if err != nil {
				return err
			}
			bad := 0
			for i, r := range list {
				name := r.ID
				if name == "" {
					name = fmt.Sprintf("#%d", i+1)
				}
				if err := rules.Validate(withDefaults(r)); err != nil {
					bad++
					fmt.Fprintf(cmd.OutOrStdout(), "✗ %s: %v\n", name, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", name)
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d rules invalid", bad, len(list))
			}
			return nil
		},
	}
}

func rulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Validate and store rules, replacing rules with the same id",
		Long: `Reads one rule or a JSON array of rules ("-" for stdin). Nothing is
stored unless every rule is valid. Restart the daemon to pick them up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := readRules(args[0])
			if err != nil {
				return err
			}
			for i := range list {
				if list[i].ID == "" {
					return fmt.Errorf("rule #%d: id is required for import", i+1)
				}
				list[i] = withDefaults(list[i])
				if err := rules.Validate(list[i]); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			db, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			now := time.Now()
			for _, r := range list {
				if existing, err := store.GetRule(ctx, r.ID); err == nil {
					r.TriggerCount = existing.TriggerCount
					r.LastTriggeredAt = existing.LastTriggeredAt
					r.CreatedAt = existing.CreatedAt
				} else {
					r.CreatedAt = now
				}
				r.UpdatedAt = now
				if err := store.SaveRule(ctx, r); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rules\n", len(list))
			return nil
		},
	}
}

func rulesExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print stored rules as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := store.ListRules(ctx)
			if err != nil {
				return err
			}
			if list == nil {
				list = []core.Rule{}
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
}

func rulesDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a stored rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			r, err := store.GetRule(ctx, args[0])
			if err != nil {
				return err
			}
			if !yes && term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprintf(cmd.OutOrStdout(), "Delete rule %q (%s)? [y/N] ", r.Name, r.ID)
				answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
					return nil
				}
			}
			if err := store.DeleteRule(ctx, r.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", r.ID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// --- analyze ---

type analysis struct {
	ConversationID string                         `json:"conversation_id"`
	Messages       int                            `json:"messages"`
	Engagement     *intelligence.EngagementReport `json:"engagement,omitempty"`
	Conflict       *intelligence.ConflictReport   `json:"conflict,omitempty"`
	Flow           *intelligence.FlowReport       `json:"flow,omitempty"`
	Insights       []core.Insight                 `json:"insights"`
}

func analyzeCmd() *cobra.Command {
	var (
		lexiconPath string
		at          string
		staleDays   int
	)
	cmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Score an exported conversation",
		Long: `Reads a JSON array of messages ("-" for stdin) and prints engagement,
conflict, flow and insights, exactly as the daemon would compute them.
Messages without a conversation_id are placed in "local".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			var msgs []core.Message
			if err := json.Unmarshal(data, &msgs); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			lex, err := lexicon.Load(lexiconPath)
			if err != nil {
				return err
			}

			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			res, err := analyze(msgs, lex, now, intelligence.InsightConfig{StaleDays: staleDays})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&lexiconPath, "lexicon", "", "lexicon YAML file (default built-in)")
	cmd.Flags().StringVar(&at, "at", "", "evaluate as of this RFC 3339 time (default now)")
	cmd.Flags().IntVar(&staleDays, "stale-days", intelligence.DefaultInsightConfig().StaleDays, "days of silence before a conversation is stale")
	return cmd
}

func analyze(msgs []core.Message, lex *lexicon.Lexicon, now time.Time, cfg intelligence.InsightConfig) (*analysis, error) {
	mgr := window.NewManager(window.Options{MaxMessages: len(msgs) + 1})
	conv := "local"
	for i, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conv
		}
		if i == 0 {
			conv = m.ConversationID
		}
		if m.ConversationID != conv {
			return nil, fmt.Errorf("message %s: all messages must belong to one conversation", m.ID)
		}
		if m.ID == "" {
			m.ID = fmt.Sprintf("%s-%d", conv, i+1)
		}
		if _, err := mgr.Append(m); err != nil {
			return nil, fmt.Errorf("message %d: %w", i+1, err)
		}
	}

	w, ok := mgr.Window(conv)
	if !ok {
		return nil, fmt.Errorf("no messages")
	}

	res := &analysis{ConversationID: conv, Messages: w.Len()}
	if r, ok := intelligence.ScoreEngagement(w); ok {
		res.Engagement = &r
		if ins, ok := intelligence.EngagementInsight(r, now); ok {
			res.Insights = append(res.Insights, ins)
		}
	}
	if r, ok := intelligence.DetectConflict(w, lex); ok {
		res.Conflict = &r
		if ins, ok := intelligence.ConflictInsight(r, now); ok {
			res.Insights = append(res.Insights, ins)
		}
	}
	if r, ok := intelligence.AnalyzeFlow(w, lex); ok {
		res.Flow = &r
	}
	res.Insights = append(res.Insights, intelligence.GenerateInsights(w, now, cfg, lex)...)
	if res.Insights == nil {
		res.Insights = []core.Insight{}
	}
	return res, nil
}

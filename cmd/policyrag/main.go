package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"policyrag/internal/config"
	"policyrag/internal/domain"
	"policyrag/internal/service"
	"policyrag/internal/tui"
)

var (
	version    = "dev"
	cfgPath    string
	jsonOutput bool
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "policyrag",
		Short: "HR policy assistant grounded in company policy text",
		Long: `policyrag answers employee questions using only the company policy corpus.
Questions outside the policy are refused; answers are generated by an
OpenAI-compatible chat model from the retrieved policy passages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runChat,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config file (default ./config.yaml or ~/.config/policyrag/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("policyrag %s\n", version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat window",
		RunE:  runChat,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question and stream the reply to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var force bool
	configInitCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				p, err := config.DefaultUserConfigPath()
				if err != nil {
					return err
				}
				path = p
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", path)
			return nil
		},
	}
	configInitCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print warnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			warnings, err := cfg.Validate()
			for _, w := range warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	rootCmd.AddCommand(configCmd)

	corpusCmd := &cobra.Command{
		Use:   "corpus",
		Short: "Inspect the policy corpus",
	}
	corpusCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "List the indexed policy entries",
		RunE:  runCorpusShow,
	})
	rootCmd.AddCommand(corpusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, appOptions{configPath: cfgPath, interactive: true, withGenerator: true})
	if err != nil {
		return err
	}
	defer a.close()

	session := service.NewSession(a.assistant)
	m := tui.New(ctx, session, a.topicLine(), a.reload)
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type askResult struct {
	RequestID  string       `json:"request_id"`
	Decision   string       `json:"decision"`
	Text       string       `json:"text"`
	Incomplete bool         `json:"incomplete,omitempty"`
	Error      string       `json:"error,omitempty"`
	Retryable  bool         `json:"retryable,omitempty"`
	Sources    []sourceJSON `json:"sources,omitempty"`
}

type sourceJSON struct {
	ID    int     `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, appOptions{configPath: cfgPath, withGenerator: true})
	if err != nil {
		return err
	}
	defer a.close()

	question := strings.Join(args, " ")
	var onFragment func(string)
	if !jsonOutput {
		onFragment = func(s string) { fmt.Print(s) }
	}
	answer, askErr := a.assistant.Ask(ctx, question, onFragment)

	if jsonOutput {
		printJSON(newAskResult(answer, askErr))
	} else {
		if answer.Text != "" {
			fmt.Println()
		}
		if askErr != nil {
			fmt.Fprintln(os.Stderr, service.UserMessage(askErr))
		}
	}
	return askErr
}

func newAskResult(answer service.Answer, err error) askResult {
	res := askResult{
		RequestID:  answer.RequestID.String(),
		Decision:   answer.Kind.String(),
		Text:       answer.Text,
		Incomplete: answer.Incomplete,
	}
	if err != nil {
		res.Error = service.UserMessage(err)
		res.Retryable = domain.IsRetryable(err)
	}
	for _, p := range answer.Passages {
		res.Sources = append(res.Sources, sourceJSON{ID: p.Entry.ID, Title: p.Entry.Title, Score: p.Score})
	}
	return res
}

func runCorpusShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), appOptions{configPath: cfgPath})
	if err != nil {
		return err
	}
	defer a.close()

	snap := a.index.Snapshot()
	topics := a.summarizer.Outline(snap.Entries, a.cfg.Summarizer.MaxSentences)
	if jsonOutput {
		printJSON(map[string]any{
			"version":  snap.Version,
			"embedder": snap.Embedder.Name(),
			"entries":  topics,
		})
		return nil
	}
	fmt.Printf("Corpus v%d, %d entries, embedder %s\n\n", snap.Version, len(snap.Entries), snap.Embedder.Name())
	for _, t := range topics {
		fmt.Printf("[%d] %s\n    %s\n", t.ID, t.Title, t.Summary)
	}
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

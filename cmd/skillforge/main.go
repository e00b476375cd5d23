package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"skillforge/internal/conversation"
	"skillforge/internal/forge"
	"skillforge/internal/llm"
	"skillforge/internal/statestore"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Ask flags
	conversationID string
	userID         string
	waitFor        time.Duration

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "skillforge",
	Short: "skillforge - self-extending agent runtime",
	Long: `skillforge runs conversations against a registry of executable skills.

When no registered skill covers a request, the forge synthesises one, loads
it through the sandbox, and schedules the work. Failing skills are healed
(rolled back, patched, or regenerated) before being given up on.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the skillforge runtime until interrupted",
	Long: `Starts the full runtime: state store, skill discovery with hot reload,
priority queue, scheduler, and the self-building forge. Runs until SIGINT
or SIGTERM.`,
	RunE: runServe,
}

var askCmd = &cobra.Command{
	Use:   "ask [request]",
	Short: "Send one request through the conversation engine",
	Long: `Processes a single request end to end: intent analysis, skill matching
(or generation), task scheduling. With --wait the command blocks until the
scheduled task reaches a terminal state.

Example:
  skillforge ask "summarize the quarterly report and email it to me"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show scheduler metrics, or one task's state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a scheduled or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var prioritizeCmd = &cobra.Command{
	Use:   "prioritize [task-id] [priority]",
	Short: "Pin a task's priority to a value in [0,100]",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrioritize,
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics [conversation-id]",
	Short: "Summarise a conversation's durable record",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalytics,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	askCmd.Flags().StringVar(&conversationID, "conversation", "", "Existing conversation id (default: start a new one)")
	askCmd.Flags().StringVar(&userID, "user", "cli", "User id for new conversations")
	askCmd.Flags().DurationVar(&waitFor, "wait", 0, "Block until the task finishes, up to this long")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(prioritizeCmd)
	rootCmd.AddCommand(analyticsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes onto the documented exit codes: 2 bad input,
// 3 capability missing with generation off, 4 persistence failure,
// 5 generator unreachable, 6 cancellation, 1 anything else.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, conversation.ErrUnknownConversation),
		errors.Is(err, conversation.ErrInvalidTaskID),
		errors.Is(err, conversation.ErrBadPriorityValue):
		return 2
	case errors.Is(err, conversation.ErrCapabilityMissing),
		errors.Is(err, forge.ErrGenerationDisabled):
		return 3
	case errors.Is(err, errPersistence),
		errors.Is(err, statestore.ErrCorrupt),
		errors.Is(err, statestore.ErrUnrecoverable):
		return 4
	case errors.Is(err, llm.ErrUnreachable):
		return 5
	case errors.Is(err, context.Canceled):
		return 6
	default:
		return 1
	}
}

// runServe runs the full runtime until a shutdown signal arrives.
func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}
	logger.Info("skillforge serving",
		zap.String("workspace", a.cfg.Workspace),
		zap.Duration("tick", a.cfg.Scheduler.Tick))
	fmt.Printf("skillforge serving from %s (Ctrl+C to stop)\n", a.cfg.Workspace)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Received shutdown signal")
	cancel()
	return nil
}

// runAsk processes a single request through a (new or existing) conversation.
func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}

	convID := conversationID
	if convID == "" {
		convID, err = a.engine.StartConversation(userID, nil)
		if err != nil {
			return err
		}
	}

	text := strings.Join(args, " ")
	logger.Info("Processing request",
		zap.String("conversation", convID),
		zap.String("input", text))

	result, err := a.engine.HandleUserInput(ctx, convID, text, nil)
	if err != nil {
		return err
	}

	fmt.Println(result.ImmediateResponse)
	if result.TaskID != "" && waitFor > 0 {
		if err := a.waitForTask(ctx, result.TaskID, waitFor); err != nil {
			return err
		}
	}
	return printJSON(result)
}

// waitForTask polls until the task reaches a terminal state or the wait
// budget runs out.
func (a *app) waitForTask(ctx context.Context, taskID string, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		task, err := a.engine.TaskStatus(taskID)
		if err != nil {
			return err
		}
		if task.State.IsTerminal() {
			fmt.Printf("Task %s finished: %s\n", task.ID, task.State)
			return nil
		}
		if time.Now().After(deadline) {
			fmt.Printf("Task %s still %s after %v\n", task.ID, task.State, budget)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) == 1 {
		task, err := a.engine.TaskStatus(args[0])
		if err != nil {
			return err
		}
		return printJSON(task)
	}
	return printJSON(a.engine.SchedulerStatus())
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.engine.CancelTask(args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancelled task %s\n", args[0])
	return nil
}

func runPrioritize(cmd *cobra.Command, args []string) error {
	p, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not a number", conversation.ErrBadPriorityValue, args[1])
	}

	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.engine.PrioritizeTask(args[0], p); err != nil {
		return err
	}
	fmt.Printf("Task %s priority pinned to %.0f\n", args[0], p)
	return nil
}

func runAnalytics(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.close()

	analytics, err := a.engine.ConversationAnalytics(args[0])
	if err != nil {
		return err
	}
	return printJSON(analytics)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sanjeevm-dev/cua-browser/internal/config"
	"github.com/sanjeevm-dev/cua-browser/internal/logger"
	"github.com/sanjeevm-dev/cua-browser/pkg/store"
	"github.com/spf13/cobra"
)

var (
	agentName    string
	agentOwner   string
	agentPrompt  string
	agentCredits int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents in the local store",
}

var agentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an agent",
	RunE:  runAgentCreate,
}

var agentCreditsCmd = &cobra.Command{
	Use:   "credits <agentID> <amount>",
	Short: "Top up an agent's credit balance",
	Args:  cobra.ExactArgs(2),
	RunE:  runAgentCredits,
}

var agentTaskCmd = &cobra.Command{
	Use:   "task <agentID>",
	Short: "Queue a daily task for an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentTask,
}

func init() {
	agentCreateCmd.Flags().StringVar(&agentName, "name", "", "agent display name")
	agentCreateCmd.Flags().StringVar(&agentOwner, "owner", "", "owner identifier")
	agentCreateCmd.Flags().StringVar(&agentPrompt, "prompt", "", "task prompt, may contain {credential} placeholders")
	agentCreateCmd.Flags().IntVar(&agentCredits, "credits", 0, "initial credit balance")
	agentCreateCmd.MarkFlagRequired("name")
	agentCreateCmd.MarkFlagRequired("prompt")

	agentCmd.AddCommand(agentCreateCmd)
	agentCmd.AddCommand(agentCreditsCmd)
	agentCmd.AddCommand(agentTaskCmd)
	rootCmd.AddCommand(agentCmd)
}

func openStore() (*store.Store, func(), error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, nil, err
	}
	lg, err := logger.New(logger.Config{Level: "warn", Console: true})
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Storage.Path, lg.GetZerolog())
	if err != nil {
		lg.Close()
		return nil, nil, err
	}
	return db, func() { db.Close(); lg.Close() }, nil
}

func runAgentCreate(cmd *cobra.Command, args []string) error {
	db, closeFn, err := openStore()
	if err != nil {
		return err
	}
	defer closeFn()

	id, err := gonanoid.New()
	if err != nil {
		return err
	}
	agent := &store.Agent{
		ID:         id,
		Name:       agentName,
		OwnerID:    agentOwner,
		TaskPrompt: agentPrompt,
		Credits:    agentCredits,
		Active:     true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.CreateAgent(ctx, agent); err != nil {
		return err
	}
	fmt.Printf("created agent %s (%s) with %d credits\n", agent.ID, agent.Name, agent.Credits)
	return nil
}

func runAgentCredits(cmd *cobra.Command, args []string) error {
	amount, err := strconv.Atoi(args[1])
	if err != nil || amount <= 0 {
		return fmt.Errorf("amount must be a positive integer, got %q", args[1])
	}

	db, closeFn, err := openStore()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.AddCredits(ctx, args[0], amount); err != nil {
		return err
	}
	fmt.Printf("added %d credits to agent %s\n", amount, args[0])
	return nil
}

func runAgentTask(cmd *cobra.Command, args []string) error {
	db, closeFn, err := openStore()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.GetAgent(ctx, args[0]); err != nil {
		return err
	}

	id, err := gonanoid.New()
	if err != nil {
		return err
	}
	task := &store.DailyTask{
		ID:      id,
		AgentID: args[0],
		Status:  store.TaskPending,
	}
	if err := db.CreateDailyTask(ctx, task); err != nil {
		return err
	}
	fmt.Printf("queued daily task %s for agent %s\n", task.ID, args[0])
	return nil
}

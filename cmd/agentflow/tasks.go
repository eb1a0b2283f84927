package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agentflow/internal/domain"
	"agentflow/internal/ingress"
)

var (
	listStatus       []string
	cleanupOlderThan time.Duration
	killServer       string
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Enqueue every task of a decomposition file",
	Long: `Read a YAML or JSON decomposition and enqueue each record in order. The file
is either a list of tasks or a mapping with a "tasks" list. Use "-" for stdin.`,
	Example: `  agentflow submit plan.yaml
  cat plan.json | agentflow submit -`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by status",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var getCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task and its attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var killCmd = &cobra.Command{
	Use:   "kill <task-id|slot-id>",
	Short: "Terminate a running task through the serving orchestrator",
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal tasks, their artifacts and old broadcasts",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(submitCmd, listCmd, getCmd, killCmd, cleanupCmd)

	listCmd.Flags().StringSliceVar(&listStatus, "status", nil, "only tasks in these states (pending, assigned, running, completed, failed, timed_out)")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 7*24*time.Hour, "remove terminal tasks finished before this age")
	killCmd.Flags().StringVar(&killServer, "server", "", "orchestrator base URL (default derived from server.addr)")
}

// parseDecomposition accepts a task list or a {tasks: [...]} document; JSON is read as YAML.
func parseDecomposition(data []byte) ([]domain.NewTask, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse decomposition: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("decomposition is empty")
	}
	var tasks []domain.NewTask
	switch root := doc.Content[0]; root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&tasks); err != nil {
			return nil, fmt.Errorf("parse decomposition: %w", err)
		}
	case yaml.MappingNode:
		var wrapped struct {
			Tasks []domain.NewTask `yaml:"tasks"`
		}
		if err := root.Decode(&wrapped); err != nil {
			return nil, fmt.Errorf("parse decomposition: %w", err)
		}
		tasks = wrapped.Tasks
	default:
		return nil, fmt.Errorf("decomposition must be a list of tasks")
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("decomposition has no tasks")
	}
	for i, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}
	return tasks, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}
	tasks, err := parseDecomposition(data)
	if err != nil {
		return err
	}

	svc, closeFn, err := offlineService(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()
	ids, err := svc.AddTasks(cmd.Context(), tasks)
	if err != nil {
		if len(ids) > 0 {
			// Already queued; report them so the caller can cancel or keep them.
			_ = printJSON(map[string][]string{"ids": ids})
		}
		return err
	}
	return printJSON(map[string][]string{"ids": ids})
}

func runList(cmd *cobra.Command, args []string) error {
	var statuses []domain.Status
	for _, raw := range listStatus {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}
	svc, closeFn, err := offlineService(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()
	tasks, err := svc.ListTasks(cmd.Context(), statuses...)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return printJSON(tasks)
}

func runGet(cmd *cobra.Command, args []string) error {
	svc, closeFn, err := offlineService(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()
	task, err := svc.GetTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	attempts, err := svc.TaskAttempts(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(struct {
		domain.Task
		Attempts []domain.Attempt `json:"attempts"`
	}{task, attempts})
}

func runCleanup(cmd *cobra.Command, args []string) error {
	svc, closeFn, err := offlineService(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()
	res, err := svc.Cleanup(cmd.Context(), cleanupOlderThan)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runKill(cmd *cobra.Command, args []string) error {
	base := killServer
	if base == "" {
		base = serverURL(cfg.Server.Addr)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/api/kill/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact orchestrator: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("kill %s: %s", args[0], apiErr.Error)
		}
		return fmt.Errorf("kill %s: %s", args[0], resp.Status)
	}
	_, err = io.Copy(os.Stdout, bytes.NewReader(body))
	return err
}

// serverURL turns a listen address such as ":8080" into a dialable base URL.
func serverURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// offlineService opens the stores without a running distributor.
func offlineService(ctx context.Context) (*ingress.Service, func(), error) {
	repo, err := openRepo(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	store, err := openStore()
	if err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("open context store: %w", err)
	}
	return ingress.New(repo, store, nil), func() { repo.Close() }, nil
}

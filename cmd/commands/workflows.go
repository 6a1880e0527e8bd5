package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/flowd/internal/config"
	"github.com/dohr-michael/flowd/internal/storage"
	"github.com/dohr-michael/flowd/internal/workflow"
)

// NewWorkflowsCommand returns the workflow management subcommands.
func NewWorkflowsCommand() *cli.Command {
	addrFlag := &cli.StringFlag{
		Name:  "addr",
		Usage: "Gateway address",
		Value: "http://127.0.0.1:18520",
	}
	return &cli.Command{
		Name:    "workflows",
		Aliases: []string{"wf"},
		Usage:   "Inspect and manage workflows",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List workflows",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of workflows", Value: 50},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runWorkflowsList(cmd)
				},
			},
			{
				Name:      "show",
				Usage:     "Show a workflow and its tasks",
				ArgsUsage: "<workflow-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runWorkflowsShow(cmd)
				},
			},
			{
				Name:  "create",
				Usage: "Create a workflow from a YAML definition file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Workflow definition file", Required: true},
					&cli.StringFlag{Name: "id", Usage: "Workflow id (generated when empty)"},
					addrFlag,
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runWorkflowsCreate(ctx, cmd)
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a workflow",
				ArgsUsage: "<workflow-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "Cancellation reason"},
					addrFlag,
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runWorkflowsCancel(ctx, cmd)
				},
			},
		},
	}
}

func openStore(cmd *cli.Command) (*workflow.Store, func(), error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		cfg = config.Default()
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return workflow.NewStore(db), func() { db.Close() }, nil
}

func runWorkflowsList(cmd *cli.Command) error {
	store, closeDB, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	workflows, err := store.ListWorkflows(int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	if len(workflows) == 0 {
		fmt.Println("no workflows")
		return nil
	}
	for _, wf := range workflows {
		created := time.UnixMilli(wf.CreatedAt).UTC().Format(time.RFC3339)
		fmt.Printf("%-36s  %-9s  seq=%-3d  %s\n", wf.ID, wf.State, wf.ResumeSeq, created)
	}
	return nil
}

func runWorkflowsShow(cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("workflow id is required")
	}
	store, closeDB, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	wf, err := store.GetWorkflow(id)
	if err != nil {
		return err
	}
	tasks, err := store.ListTasks(id)
	if err != nil {
		return err
	}

	out := map[string]any{"workflow": wf, "tasks": tasks}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// workflowFile is the YAML shape accepted by `workflows create`. A file may
// carry just a bare definition, or a definition plus initial tasks.
type workflowFile struct {
	WorkflowID string             `yaml:"workflowId"`
	Definition map[string]any     `yaml:"definition"`
	Tasks      []workflowFileTask `yaml:"tasks"`
}

type workflowFileTask struct {
	TaskID      string         `yaml:"taskId"`
	Kind        string         `yaml:"kind"`
	Description string         `yaml:"description"`
	Input       map[string]any `yaml:"input"`
}

func runWorkflowsCreate(ctx context.Context, cmd *cli.Command) error {
	data, err := os.ReadFile(cmd.String("file"))
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}

	var file workflowFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}
	if file.Definition == nil {
		// Bare definition file.
		file = workflowFile{}
		if err := yaml.Unmarshal(data, &file.Definition); err != nil {
			return fmt.Errorf("parse definition: %w", err)
		}
	}
	defJSON, err := json.Marshal(file.Definition)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}

	// Validate locally before sending so malformed files fail fast.
	var def workflow.Definition
	if err := json.Unmarshal(defJSON, &def); err != nil {
		return fmt.Errorf("invalid definition: %w", err)
	}
	if err := def.Validate(time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("invalid definition: %w", err)
	}

	id := cmd.String("id")
	if id == "" {
		id = file.WorkflowID
	}
	if id == "" {
		id = uuid.NewString()
	}

	addr := cmd.String("addr")
	body, err := json.Marshal(map[string]any{
		"workflowId": id,
		"definition": json.RawMessage(defJSON),
	})
	if err != nil {
		return err
	}
	if err := postJSON(ctx, addr+"/api/workflows", body); err != nil {
		return err
	}

	for _, task := range file.Tasks {
		if task.TaskID == "" || task.Kind == "" {
			return fmt.Errorf("task entries require taskId and kind")
		}
		taskBody, err := json.Marshal(map[string]any{
			"taskId":      task.TaskID,
			"kind":        task.Kind,
			"description": task.Description,
			"input":       task.Input,
		})
		if err != nil {
			return err
		}
		if err := postJSON(ctx, fmt.Sprintf("%s/api/workflows/%s/tasks", addr, id), taskBody); err != nil {
			return fmt.Errorf("create task %s: %w", task.TaskID, err)
		}
	}

	fmt.Println(id)
	return nil
}

func runWorkflowsCancel(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("workflow id is required")
	}
	body, err := json.Marshal(map[string]any{"reason": cmd.String("reason")})
	if err != nil {
		return err
	}
	if err := postJSON(ctx, fmt.Sprintf("%s/api/workflows/%s/cancel", cmd.String("addr"), id), body); err != nil {
		return err
	}
	fmt.Println("cancelled", id)
	return nil
}

func postJSON(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

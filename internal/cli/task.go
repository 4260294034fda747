package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/relay/internal/audit"
	"github.com/imkarma/relay/internal/store"
	"github.com/imkarma/relay/internal/task"
)

var (
	taskTitle       string
	taskDescription string
	taskType        string
	taskParent      string
	taskDeps        []string
	taskChangeSet   string
	taskNote        string
	listAll         bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create or manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a task to the store",
	Long: `Adds an open task. The change set is a JSON file (or - for stdin):

  {"message": "...", "edits": [{"path": "a.go", "mode": "modify", "content": "..."}]}

before_sha is filled in from the working tree for edits that omit it.`,
	Args: cobra.NoArgs,
	RunE: runTaskAdd,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

// showCmd is the top-level shortcut for task show.
var showCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskUnblockCmd = &cobra.Command{
	Use:   "unblock [id]",
	Short: "Reopen a blocked task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskUnblock,
}

var taskArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive every done task",
	Args:  cobra.NoArgs,
	RunE:  runTaskArchive,
}

var listCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List tasks, optionally filtered by status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

func init() {
	taskAddCmd.Flags().StringVarP(&taskTitle, "title", "t", "", "Task title")
	taskAddCmd.Flags().StringVarP(&taskDescription, "desc", "d", "", "Task description")
	taskAddCmd.Flags().StringVar(&taskType, "type", string(task.TypeMicro), "Task type: micro, story, epic")
	taskAddCmd.Flags().StringVar(&taskParent, "parent", "", "Parent task ID")
	taskAddCmd.Flags().StringSliceVar(&taskDeps, "deps", nil, "IDs of tasks that must finish first")
	taskAddCmd.Flags().StringVarP(&taskChangeSet, "change-set", "f", "", "Change set JSON file, - for stdin")
	_ = taskAddCmd.MarkFlagRequired("title")

	taskUnblockCmd.Flags().StringVarP(&taskNote, "note", "m", "", "What changed, recorded in the audit log")

	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Include archived tasks")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskUnblockCmd)
	taskCmd.AddCommand(taskArchiveCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	e, err := mustEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	t := &task.Task{
		Title:       taskTitle,
		Description: taskDescription,
		Type:        task.Type(taskType),
	}
	if taskParent != "" {
		parent, err := e.resolveTask(taskParent)
		if err != nil {
			return fmt.Errorf("parent: %w", err)
		}
		t.ParentID = parent.ID
		t.Depth = parent.Depth + 1
	}
	for _, ref := range taskDeps {
		dep, err := e.resolveTask(ref)
		if err != nil {
			return fmt.Errorf("dependency: %w", err)
		}
		t.Deps = append(t.Deps, dep.ID)
	}
	if taskChangeSet != "" {
		cs, err := readChangeSet(cmd.InOrStdin(), taskChangeSet)
		if err != nil {
			return err
		}
		t.ChangeSet = cs
	}

	added, err := e.tasks.Add(t)
	if err != nil {
		return err
	}
	fmt.Printf("Added task %s%s%s: %s [%s]\n", colorYellow, added.ID, colorReset, added.Title, added.Type)
	return nil
}

func readChangeSet(stdin io.Reader, path string) (*task.ChangeSet, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read change set: %w", err)
	}

	var cs task.ChangeSet
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cs); err != nil {
		return nil, fmt.Errorf("parse change set %s: %w", path, err)
	}
	return &cs, nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	e, err := mustEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := e.resolveTask(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s%s%s %s\n", colorBold, t.ShortID(), colorReset, t.Title)
	fmt.Printf("  ID:      %s\n", t.ID)
	fmt.Printf("  Status:  %s%s%s\n", statusColor(t.Status), t.Status, colorReset)
	fmt.Printf("  Type:    %s\n", t.Type)
	fmt.Printf("  Created: %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.ParentID != "" {
		fmt.Printf("  Parent:  %s (depth %d)\n", t.ParentID, t.Depth)
	}
	if len(t.Deps) > 0 {
		fmt.Printf("  Deps:    %s\n", strings.Join(t.Deps, ", "))
	}
	if t.CommitSHA != "" {
		fmt.Printf("  Commit:  %s\n", t.CommitSHA)
	}
	if t.BlockedReason != "" {
		fmt.Printf("  %sBlocked: %s%s\n", colorRed, t.BlockedReason, colorReset)
	}
	if t.Description != "" {
		fmt.Printf("\n%s\n", t.Description)
	}

	if t.ChangeSet != nil && len(t.ChangeSet.Edits) > 0 {
		fmt.Printf("\n%sChange set:%s\n", colorBold, colorReset)
		for _, ed := range t.ChangeSet.Edits {
			sha := ed.BeforeSHA
			if sha == "" {
				sha = "-"
			}
			fmt.Printf("  %-7s %s %s%s%s\n", ed.Mode, padRight(ed.Path, 40), colorDim, truncate(sha, 12), colorReset)
		}
	}
	if len(t.FileHashes) > 0 {
		fmt.Printf("\n%sCommitted hashes:%s\n", colorBold, colorReset)
		for _, path := range t.ChangeSet.Paths() {
			if h, ok := t.FileHashes[path]; ok {
				fmt.Printf("  %s %s\n", padRight(path, 40), truncate(h, 12))
			}
		}
	}

	children, err := e.tasks.List(store.Filter{ParentID: t.ID, All: true})
	if err != nil {
		return err
	}
	if len(children) > 0 {
		fmt.Printf("\n%sSub-tasks:%s\n", colorBold, colorReset)
		for _, c := range children {
			fmt.Printf("  %s %s%-11s%s %s\n", c.ShortID(), statusColor(c.Status), c.Status, colorReset, c.Title)
		}
	}
	return nil
}

func runTaskUnblock(cmd *cobra.Command, args []string) error {
	e, err := mustEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := e.resolveTask(args[0])
	if err != nil {
		return err
	}
	t, err = e.tasks.Unblock(t.ID)
	if err != nil {
		return err
	}

	detail := "unblocked"
	if taskNote != "" {
		detail += ": " + taskNote
	}
	if err := e.audit.Record(t.ID, audit.PhaseOperator, audit.OK, detail); err != nil {
		return err
	}
	fmt.Printf("Task %s is open again.\n", t.ShortID())
	return nil
}

func runTaskArchive(cmd *cobra.Command, args []string) error {
	e, err := mustEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	n, err := e.tasks.ArchiveCompleted()
	if err != nil {
		return err
	}
	fmt.Printf("Archived %d task(s).\n", n)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	e, err := mustEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	f := store.Filter{All: listAll}
	if len(args) > 0 {
		f.Status = task.Status(args[0])
		if f.Status == task.StatusArchived {
			f.All = true
		}
	}
	tasks, err := e.tasks.List(f)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	for _, t := range tasks {
		indent := strings.Repeat("  ", t.Depth)
		fmt.Printf("  %s%s%s %s%-11s%s %-6s %s%s\n",
			colorYellow, t.ShortID(), colorReset,
			statusColor(t.Status), t.Status, colorReset,
			t.Type, indent, truncate(t.Title, 60))
	}
	return nil
}

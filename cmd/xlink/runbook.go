package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/antonkrylov/xlink/internal/client"
	"github.com/antonkrylov/xlink/internal/shell"
	"github.com/antonkrylov/xlink/internal/task"
)

type runbookDocument struct {
	APIVersion string        `yaml:"apiVersion"`
	Kind       string        `yaml:"kind"`
	Metadata   runbookMeta   `yaml:"metadata"`
	Spec       runbookSpec   `yaml:"spec"`
	Steps      []runbookStep `yaml:"steps"` // legacy: allow top-level steps
}

type runbookMeta struct {
	Name string `yaml:"name"`
}

type runbookSpec struct {
	Steps []runbookStep `yaml:"steps"`
}

type runbookStep struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// call steps
	Call   string   `yaml:"call"`
	Args   []string `yaml:"args"`
	Expect *string  `yaml:"expect"`
	Fault  bool     `yaml:"fault"`
	// sleep and track steps
	Duration    string `yaml:"duration"`
	Idle        string `yaml:"idle"`
	MinMeasures int    `yaml:"minMeasures"`

	TimeoutSeconds int `yaml:"timeoutSeconds"`
}

type runbookReport struct {
	Runbook string           `json:"runbook"`
	Device  string           `json:"device,omitempty"`
	Started time.Time        `json:"startedAt"`
	Ended   time.Time        `json:"endedAt"`
	Success bool             `json:"success"`
	Steps   []runbookStepRun `json:"steps"`
}

type runbookStepRun struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Started    time.Time `json:"startedAt"`
	Ended      time.Time `json:"endedAt"`
	DurationMS int64     `json:"durationMs"`
	Success    bool      `json:"success"`
	Value      string    `json:"value,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func newRunbookCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runbook",
		Short: "Run scripted device checks",
	}
	cmd.AddCommand(newRunbookApplyCmd(root))
	return cmd
}

func newRunbookApplyCmd(root *rootOptions) *cobra.Command {
	var confirm bool
	var dryRun bool
	var jsonOut bool
	var reportPath string

	cmd := &cobra.Command{
		Use:   "apply <runbook.yaml>",
		Short: "Apply a runbook (defaults to dry-run unless --confirm)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			doc, err := loadRunbook(path)
			if err != nil {
				return err
			}
			steps := doc.Spec.Steps
			if len(steps) == 0 {
				steps = doc.Steps
			}
			if err := validateRunbook(doc, steps); err != nil {
				return err
			}

			name := strings.TrimSpace(doc.Metadata.Name)
			if name == "" {
				name = filepath.Base(path)
			}

			if !confirm {
				dryRun = true
			}
			if dryRun {
				printRunbookPlan(cmd.OutOrStdout(), steps)
				return nil
			}

			sess, closeFn, err := dial(cmd.Context(), root, nil)
			if err != nil {
				return err
			}
			defer closeFn()

			report := applyRunbook(cmd.Context(), sess, name, steps, func(run runbookStepRun) {
				if jsonOut {
					return
				}
				status := "ok"
				if !run.Success {
					status = "FAILED: " + run.Error
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s (%s) %s [%dms]\n", run.Name, run.Type, status, run.DurationMS)
			})
			report.Device = root.conn.DeviceName

			if reportPath != "" {
				if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
					return err
				}
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(reportPath, data, 0o644); err != nil {
					return err
				}
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else if report.Success {
				fmt.Fprintf(cmd.ErrOrStderr(), "runbook succeeded: %s\n", report.Runbook)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "runbook failed: %s\n", report.Runbook)
			}

			if !report.Success {
				return errors.New("runbook failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "execute the runbook (otherwise prints the plan)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan and exit (same as omitting --confirm)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit a JSON report to stdout")
	cmd.Flags().StringVar(&reportPath, "report", "", "write a JSON report to this path")
	return cmd
}

func stepType(step runbookStep) string {
	if t := strings.TrimSpace(step.Type); t != "" {
		return strings.ToLower(t)
	}
	return "call"
}

func loadRunbook(path string) (*runbookDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseRunbook(data)
}

func parseRunbook(data []byte) (*runbookDocument, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc runbookDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse runbook: %w", err)
	}
	return &doc, nil
}

func validateRunbook(doc *runbookDocument, steps []runbookStep) error {
	if doc == nil {
		return fmt.Errorf("runbook is nil")
	}
	if len(steps) == 0 {
		return fmt.Errorf("runbook has no steps")
	}
	for i, step := range steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("step %d: name is required", i+1)
		}
		switch stepType(step) {
		case "call":
			if strings.TrimSpace(step.Call) == "" {
				return fmt.Errorf("step %q: call is required for call steps", step.Name)
			}
		case "sleep":
			if d, err := time.ParseDuration(step.Duration); err != nil || d <= 0 {
				return fmt.Errorf("step %q: duration %q is not a positive duration", step.Name, step.Duration)
			}
		case "track":
			if step.Idle != "" {
				if _, err := time.ParseDuration(step.Idle); err != nil {
					return fmt.Errorf("step %q: idle: %w", step.Name, err)
				}
			}
		default:
			return fmt.Errorf("step %q: unsupported type %q", step.Name, step.Type)
		}
	}
	return nil
}

func printRunbookPlan(w io.Writer, steps []runbookStep) {
	for i, step := range steps {
		fmt.Fprintf(w, "%d. %s (%s)\n", i+1, step.Name, stepType(step))
		switch stepType(step) {
		case "call":
			fmt.Fprintf(w, "   call: %s %s\n", step.Call, strings.Join(step.Args, " "))
			if step.Expect != nil {
				fmt.Fprintf(w, "   expect: %s\n", *step.Expect)
			}
		case "sleep":
			fmt.Fprintf(w, "   duration: %s\n", step.Duration)
		case "track":
			fmt.Fprintf(w, "   minMeasures: %d\n", step.MinMeasures)
		}
	}
	fmt.Fprintln(w, "dry-run: no calls made (pass --confirm to run)")
}

// applyRunbook runs steps in order and stops at the first failure.
func applyRunbook(ctx context.Context, sess *client.Session, name string, steps []runbookStep, progress func(runbookStepRun)) runbookReport {
	report := runbookReport{
		Runbook: name,
		Started: time.Now(),
		Steps:   make([]runbookStepRun, 0, len(steps)),
	}
	success := true
	for _, step := range steps {
		run := runbookStepRun{Name: step.Name, Type: stepType(step), Started: time.Now()}

		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if step.TimeoutSeconds > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		}
		value, err := runRunbookStep(stepCtx, sess, step)
		cancel()

		run.Ended = time.Now()
		run.DurationMS = run.Ended.Sub(run.Started).Milliseconds()
		run.Value = value
		run.Success = err == nil
		if err != nil {
			run.Error = err.Error()
		}
		report.Steps = append(report.Steps, run)
		if progress != nil {
			progress(run)
		}
		if !run.Success {
			success = false
			break
		}
	}
	report.Ended = time.Now()
	report.Success = success
	return report
}

func runRunbookStep(ctx context.Context, sess *client.Session, step runbookStep) (string, error) {
	switch stepType(step) {
	case "call":
		v, err := sess.Call(ctx, step.Call, step.Args)
		if step.Fault {
			if err == nil {
				return shell.FormatValue(v), errors.New("expected a device fault")
			}
			return err.Error(), nil
		}
		if err != nil {
			return "", err
		}
		got := shell.FormatValue(v)
		if step.Expect != nil && got != *step.Expect {
			return got, fmt.Errorf("got %s, want %s", got, *step.Expect)
		}
		return got, nil
	case "sleep":
		d, _ := time.ParseDuration(step.Duration)
		return "", task.Sleep(ctx, d)
	case "track":
		if sess.Tracker == nil {
			return "", fmt.Errorf("profile %s declares no tracker", sess.Profile.Name)
		}
		var idle time.Duration
		if step.Idle != "" {
			idle, _ = time.ParseDuration(step.Idle)
		}
		run, err := sess.Tracker.Start(ctx)
		if err != nil {
			return "", err
		}
		ms, err := run.CollectUntilIdle(ctx, idle)
		if serr := run.Stop(context.WithoutCancel(ctx)); serr != nil && err == nil {
			err = serr
		}
		if err != nil {
			return "", err
		}
		value := fmt.Sprintf("%d measures", len(ms))
		if len(ms) < step.MinMeasures {
			return value, fmt.Errorf("collected %d measures, want at least %d", len(ms), step.MinMeasures)
		}
		return value, nil
	default:
		return "", fmt.Errorf("unsupported step type %q", step.Type)
	}
}

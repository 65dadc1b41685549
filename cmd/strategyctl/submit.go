package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/arpanauts/strategyengine/cache"
	"github.com/arpanauts/strategyengine/engine"
)

// The engine package deliberately treats StrategyDoc as an
// already-validated structure and leaves authoring/parsing out of scope
// (spec.md §6 "Strategy document (consumed, not defined here)"). These
// yaml-tagged mirrors own that parsing concern at the CLI boundary instead
// of adding yaml tags to engine's own types.
type yamlStrategyDoc struct {
	Name             string                `yaml:"name"`
	Steps            []yamlStepDef         `yaml:"steps"`
	CheckpointPolicy yamlCheckpointPolicy  `yaml:"checkpoint_policy"`
}

type yamlStepDef struct {
	Name             string         `yaml:"name"`
	Action           yamlActionRef  `yaml:"action"`
	Condition        string         `yaml:"condition"`
	CheckpointBefore bool           `yaml:"checkpoint_before"`
	CheckpointAfter  bool           `yaml:"checkpoint_after"`
	OnError          *yamlOnError   `yaml:"on_error"`
	IsRequired       *bool          `yaml:"is_required"`
}

type yamlActionRef struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

type yamlOnError struct {
	Action       string  `yaml:"action"`
	MaxAttempts  int     `yaml:"max_attempts"`
	DelaySeconds float64 `yaml:"delay_seconds"`
}

type yamlCheckpointPolicy struct {
	BeforeEachStep bool     `yaml:"before_each_step"`
	AfterEachStep  bool     `yaml:"after_each_step"`
	BeforeActions  []string `yaml:"before_actions"`
	AfterActions   []string `yaml:"after_actions"`
}

func (d yamlStrategyDoc) toEngine() *engine.StrategyDoc {
	steps := make([]engine.StepDef, len(d.Steps))
	for i, s := range d.Steps {
		var onErr *engine.OnError
		if s.OnError != nil {
			onErr = &engine.OnError{
				Action:       s.OnError.Action,
				MaxAttempts:  s.OnError.MaxAttempts,
				DelaySeconds: s.OnError.DelaySeconds,
			}
		}
		steps[i] = engine.StepDef{
			Name:             s.Name,
			Action:           engine.ActionRef{Type: s.Action.Type, Params: s.Action.Params},
			Condition:        s.Condition,
			CheckpointBefore: s.CheckpointBefore,
			CheckpointAfter:  s.CheckpointAfter,
			OnError:          onErr,
			IsRequired:       s.IsRequired,
		}
	}
	return &engine.StrategyDoc{
		Name:  d.Name,
		Steps: steps,
		CheckpointPolicy: engine.CheckpointPolicy{
			BeforeEachStep: d.CheckpointPolicy.BeforeEachStep,
			AfterEachStep:  d.CheckpointPolicy.AfterEachStep,
			BeforeActions:  d.CheckpointPolicy.BeforeActions,
			AfterActions:   d.CheckpointPolicy.AfterActions,
		},
	}
}

func newSubmitCmd(flags *rootFlags, app **AppContext) *cobra.Command {
	var (
		strategyPath string
		owner        string
		description  string
		tags         []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a strategy document for execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(strategyPath)
			if err != nil {
				return fmt.Errorf("reading strategy document: %w", err)
			}
			var yd yamlStrategyDoc
			if err := yaml.Unmarshal(raw, &yd); err != nil {
				return fmt.Errorf("parsing strategy document: %w", err)
			}

			doc := yd.toEngine()

			ctx := cmd.Context()
			sessionID, err := createSessionForDoc(ctx, (*app).Cache, doc)
			if err != nil {
				return fmt.Errorf("creating session: %w", err)
			}

			job := engine.NewJob(doc.Name, doc, nil, engine.JobOptions{}, owner, sessionID, tags, description)

			if err := (*app).Engine.SubmitJob(ctx, job); err != nil {
				return fmt.Errorf("creating job: %w", err)
			}

			go func() {
				result := (*app).Engine.ExecuteStrategy(context.Background(), job.ID, nil, nil)
				completeSession((*app).Cache, sessionID, result)
			}()

			fmt.Println(job.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&strategyPath, "strategy", "s", "", "path to the strategy document (YAML)")
	cmd.MarkFlagRequired("strategy") //nolint:errcheck
	cmd.Flags().StringVar(&owner, "owner", "", "job owner")
	cmd.Flags().StringVar(&description, "description", "", "job description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "job tags (repeatable)")

	return cmd
}

// createSessionForDoc opens the per-job mapping_sessions record the Session/
// Metrics Recorder keeps (spec.md §4.9), labeling source/target endpoint
// with the doc's first and last step names since a strategy document has no
// dedicated endpoint names of its own. Returns "" without error when no
// cache store is configured, so submit still works in tests/contexts that
// don't wire one.
func createSessionForDoc(ctx context.Context, store *cache.SQLStore, doc *engine.StrategyDoc) (string, error) {
	if store == nil || len(doc.Steps) == 0 {
		return "", nil
	}
	return store.CreateSession(ctx, cache.SessionParams{
		SourceEndpoint: doc.Steps[0].Name,
		TargetEndpoint: doc.Steps[len(doc.Steps)-1].Name,
		InputCount:     len(doc.Steps),
	})
}

// completeSession stamps the session record with the job's final outcome.
// Best-effort: a failure here is discarded; it is neither logged nor
// surfaced back into the job itself.
func completeSession(store *cache.SQLStore, sessionID string, result engine.ExecutionResult) {
	if store == nil || sessionID == "" {
		return
	}
	status := "success"
	errMessage := ""
	if !result.Success {
		status = "error"
		if result.Err != nil {
			errMessage = result.Err.Error()
		}
	}
	_ = store.CompleteSession(context.Background(), sessionID, status, len(result.Results), errMessage)
}

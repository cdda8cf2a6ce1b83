package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ramiqadoumi/stageflow/internal/analyzer"
	"github.com/ramiqadoumi/stageflow/internal/planner"
	"github.com/ramiqadoumi/stageflow/services/orchestrator/handler"
)

var planCmd = &cobra.Command{
	Use:   "plan <manifest.yaml>",
	Short: "Analyze a plan manifest and submit it to a running orchestrator",
	Long: `Read a plan manifest, inline every source_file, and submit it to the
orchestrator at --server. With --dry-run the dependency analysis runs locally
and nothing is submitted.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().Bool("dry-run", false, "print the analysis without submitting")
	planCmd.Flags().String("server", "http://localhost:8080", "orchestrator base URL")
}

func runPlan(cmd *cobra.Command, args []string) error {
	m, err := planner.LoadManifest(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		res, err := analyzer.New().Analyze(cmd.Context(), m.AnalyzerTasks())
		if err != nil {
			return err
		}
		printAnalysis(out, m.Name, res)
		return nil
	}

	server, _ := cmd.Flags().GetString("server")
	resp, err := submitManifest(cmd.Context(), server, m)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "plan %s accepted: %d tasks in %d batches\n", resp.PlanID, resp.Tasks, len(resp.Batches))
	for _, e := range resp.BrokenEdges {
		fmt.Fprintf(out, "  broke cycle edge %s -> %s\n", e.Task, e.DependsOn)
	}
	if resp.ReleaseError != "" {
		fmt.Fprintf(out, "  first batch not fully released: %s\n  retry with POST /api/v1/plans/%s/resume\n", resp.ReleaseError, resp.PlanID)
	}
	return nil
}

func printAnalysis(w io.Writer, name string, res *analyzer.Result) {
	fmt.Fprintf(w, "plan %s: %d batches\n", name, len(res.Batches))
	for i, batch := range res.Batches {
		fmt.Fprintf(w, "  batch %d: %s\n", i+1, strings.Join(batch, ", "))
	}
	if len(res.CriticalPath) > 0 {
		fmt.Fprintf(w, "critical path: %s\n", strings.Join(res.CriticalPath, " -> "))
	}
	for _, c := range res.Cycles {
		fmt.Fprintf(w, "cycle: %s\n", strings.Join(c, " -> "))
	}
	for _, e := range res.BrokenEdges {
		fmt.Fprintf(w, "broke edge %s -> %s\n", e.Task, e.DependsOn)
	}
}

func submitManifest(ctx context.Context, server string, m *planner.Manifest) (*handler.SubmitPlanResponse, error) {
	for i := range m.Tasks {
		m.Tasks[i].SourceFile = ""
	}
	body, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/v1/plans", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/yaml")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit plan: %w", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode != http.StatusAccepted {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("submit plan: %s: %s", res.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("submit plan: %s", res.Status)
	}
	var out handler.SubmitPlanResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/foreman/internal/dispatch"
	"github.com/mtzanidakis/foreman/internal/natsbus"
	"github.com/mtzanidakis/foreman/internal/workflow"
)

var (
	natsURL string
	timeout time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultNATSURL() string {
	if v := os.Getenv("FOREMAN_NATS_URL"); v != "" {
		return v
	}
	return "nats://127.0.0.1:4222"
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fctl",
		Short:         "Control a running foreman gateway over NATS",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&natsURL, "nats", defaultNATSURL(), "NATS server URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 3*time.Minute, "request timeout")

	root.AddCommand(
		newSubmitCmd(),
		newWorkflowCmd("status", "Show a workflow with its tasks and deliverables"),
		newWorkflowCmd("cancel", "Cancel a workflow and skip its open tasks"),
		newWorkflowCmd("execute", "Dispatch another execution pass for a workflow"),
		newListCmd(),
	)
	return root
}

// sendIPC issues one request on the gateway's IPC subject. A response
// carrying an error is returned as an error.
func sendIPC(url, reqType string, payload any) (*dispatch.IPCResponse, error) {
	client, err := natsbus.NewClientFromURL(url)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	req := dispatch.IPCRequest{Type: reqType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		req.Payload = raw
	}
	var resp dispatch.IPCResponse
	if err := client.RequestJSON(natsbus.TopicIPC(dispatch.IPCService), req, &resp, timeout); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}

func newSubmitCmd() *cobra.Command {
	var in workflow.RequestInput

	cmd := &cobra.Command{
		Use:   "submit <content>",
		Short: "Submit a request for classification and execution",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Content = strings.Join(args, " ")
			in.Source = "fctl"
			resp, err := sendIPC(natsURL, "submit", in)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Request:  %s\n", resp.RequestID)
			fmt.Fprintf(out, "Workflow: %s\n", resp.WorkflowID)
			if resp.Result != nil && resp.Result.Classification != nil {
				c := resp.Result.Classification
				fmt.Fprintf(out, "Type:     %s (%s, %s)\n", c.RequestType, c.Priority, c.Complexity)
				fmt.Fprintf(out, "Steps:    %d\n", len(c.SuggestedWorkflow))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Subject, "subject", "", "request subject")
	cmd.Flags().StringVar(&in.ClientID, "client", "", "client id")
	return cmd
}

func newWorkflowCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <workflow-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := sendIPC(natsURL, name, map[string]string{"workflow_id": args[0]})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch name {
			case "status":
				return printStatus(out, resp.Status)
			case "cancel":
				fmt.Fprintf(out, "Workflow %s cancelled, %d tasks skipped\n", resp.WorkflowID, resp.Skipped)
			case "execute":
				fmt.Fprintf(out, "Workflow %s dispatched\n", resp.WorkflowID)
			}
			return nil
		},
	}
}

func printStatus(out io.Writer, st *workflow.Status) error {
	if st == nil || st.Workflow == nil {
		return fmt.Errorf("empty status response")
	}
	wf := st.Workflow
	fmt.Fprintf(out, "%s  %s  [%s]  step %d/%d\n", wf.ID, wf.Name, wf.Status, wf.CurrentStep, wf.TotalSteps)
	if wf.Error != "" {
		fmt.Fprintf(out, "error: %s\n", wf.Error)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tAGENT\tTASK\tSTATUS\tRETRIES")
	for _, td := range st.Tasks {
		t := td.Task
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d/%d\n", t.StepIndex, t.AgentType, t.TaskName, t.Status, t.RetryCount, t.MaxRetries)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, d := range st.Deliverables {
		fmt.Fprintf(out, "deliverable: %s (%s)\n", d.Title, d.Kind)
	}
	return nil
}

func newListCmd() *cobra.Command {
	var status, clientID string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := sendIPC(natsURL, "list", map[string]any{
				"status":    status,
				"client_id": clientID,
				"limit":     limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Workflows) == 0 {
				fmt.Fprintln(out, "No workflows found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTEP\tCLIENT\tNAME")
			for _, wf := range resp.Workflows {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n", wf.ID, wf.Status, wf.CurrentStep, wf.TotalSteps, wf.ClientID, wf.Name)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&clientID, "client", "", "filter by client id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

// Package main implements the wardctl CLI for manual operations
// against the wardend HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the wardend HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wardctl",
	Short: "CLI for wardend HTTP server operations",
	Long: `wardctl is a command-line interface for interacting with the wardend
HTTP server. It submits tasks, polls their completion records, cancels
running tasks, and reports breakdown signals.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9470", "wardend server URL")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(healthCmd)
}

var (
	submitDomain string
	submitInputs map[string]int
	submitWait   bool
)

// submitCmd submits a task for supervised execution
var submitCmd = &cobra.Command{
	Use:   "submit [description]",
	Short: "Submit a task for supervised execution",
	Long: `Submit a task to wardend. The description is read from the argument
or stdin. Factor inputs feed the complexity score.

Examples:
  # Submit a repair task
  wardctl submit --domain repair "fix nil deref in handler"

  # Provide factor measurements
  wardctl submit --domain repair --input cross-component-span=2 "refactor"

  # Block until the completion record is sealed
  wardctl submit --domain repair --wait "fix flaky test"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

// statusCmd fetches a task's state or sealed record
var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's live state or sealed completion record",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// cancelCmd cancels a running task
var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running task",
	Long: `Cancel a running task. Partial progress is flushed into a sealed
partial completion record, not discarded.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var (
	signalRoles       []string
	signalDomain      string
	signalPattern     string
	signalImpact      string
	signalOccurrences int
	signalDataLoss    bool
)

// signalCmd reports a breakdown signal to the feedback ledger
var signalCmd = &cobra.Command{
	Use:   "signal [description]",
	Short: "Report a breakdown signal",
	Long: `Report a correction signal to the feedback ledger. A signal naming
a resource pattern adds it to the implicated roles' deny lists; a broad
signal adjusts escalation thresholds or annotates, by severity.

Examples:
  # A worker touched something it should not have
  wardctl signal --role repairer --pattern "infra/**" "modified prod config"

  # A recurring quality problem
  wardctl signal --role designer --impact moderate --occurrences 3 \
      "designs keep missing scaling requirements"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSignal,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check wardend server health",
	RunE:  runHealth,
}

func init() {
	submitCmd.Flags().StringVar(&submitDomain, "domain", "", "task domain tag (required)")
	submitCmd.Flags().StringToIntVar(&submitInputs, "input", nil, "factor measurement name=value (repeatable)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "poll until the completion record is sealed")
	_ = submitCmd.MarkFlagRequired("domain")

	signalCmd.Flags().StringSliceVar(&signalRoles, "role", nil, "implicated worker role (repeatable, required)")
	signalCmd.Flags().StringVar(&signalDomain, "domain", "", "affected domain")
	signalCmd.Flags().StringVar(&signalPattern, "pattern", "", "resource pattern that was wrongly touched")
	signalCmd.Flags().StringVar(&signalImpact, "impact", "", "blast radius: low, moderate, or severe")
	signalCmd.Flags().IntVar(&signalOccurrences, "occurrences", 0, "how many times this has happened")
	signalCmd.Flags().BoolVar(&signalDataLoss, "data-loss", false, "the breakdown risked data loss")
	_ = signalCmd.MarkFlagRequired("role")
}

// Request/response shapes mirror internal/http/types.go.

type submitTaskRequest struct {
	Domain      string         `json:"domain"`
	Description string         `json:"description"`
	Inputs      map[string]int `json:"inputs,omitempty"`
}

type submitTaskResponse struct {
	TaskID string `json:"task_id"`
}

type taskStatusResponse struct {
	TaskID  string `json:"task_id"`
	State   string `json:"state"`
	Running bool   `json:"running"`
}

type signalRequest struct {
	Description string   `json:"description"`
	Roles       []string `json:"roles"`
	Domain      string   `json:"domain,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Occurrences int      `json:"occurrences,omitempty"`
	Impact      string   `json:"impact,omitempty"`
	DataLoss    bool     `json:"data_loss,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	description, err := readDescription(args)
	if err != nil {
		return err
	}

	body, err := postJSON("/api/v1/tasks", submitTaskRequest{
		Domain:      submitDomain,
		Description: description,
		Inputs:      submitInputs,
	}, http.StatusAccepted)
	if err != nil {
		return err
	}

	var resp submitTaskResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if !submitWait {
		fmt.Println(resp.TaskID)
		return nil
	}

	return pollUntilSealed(resp.TaskID)
}

// pollUntilSealed polls the task until its record seals, then prints
// the record.
func pollUntilSealed(taskID string) error {
	for {
		body, err := getJSON("/api/v1/tasks/" + taskID)
		if err != nil {
			return err
		}

		var status taskStatusResponse
		if err := json.Unmarshal(body, &status); err == nil && status.Running {
			fmt.Fprintf(os.Stderr, "[wardctl] %s: %s\n", taskID, status.State)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		return printIndented(body)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	body, err := getJSON("/api/v1/tasks/" + args[0])
	if err != nil {
		return err
	}
	return printIndented(body)
}

func runCancel(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/tasks/%s", serverURL, args[0])
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}
	fmt.Printf("Cancelled %s\n", args[0])
	return nil
}

func runSignal(cmd *cobra.Command, args []string) error {
	description, err := readDescription(args)
	if err != nil {
		return err
	}

	body, err := postJSON("/api/v1/signals", signalRequest{
		Description: description,
		Roles:       signalRoles,
		Domain:      signalDomain,
		Pattern:     signalPattern,
		Occurrences: signalOccurrences,
		Impact:      signalImpact,
		DataLoss:    signalDataLoss,
	}, http.StatusOK)
	if err != nil {
		return err
	}
	return printIndented(body)
}

func runHealth(cmd *cobra.Command, args []string) error {
	body, err := getJSON("/health")
	if err != nil {
		return err
	}

	var resp healthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Server Status: %s\n", resp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

// readDescription reads from the argument or stdin.
func readDescription(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	content, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	if len(content) == 0 {
		return "", fmt.Errorf("no description provided")
	}
	return string(content), nil
}

func postJSON(path string, payload any, wantStatus int) ([]byte, error) {
	reqJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := serverURL + path
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return nil, statusError(resp)
	}
	return io.ReadAll(resp.Body)
}

func getJSON(path string) ([]byte, error) {
	url := serverURL + path
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	return io.ReadAll(resp.Body)
}

func statusError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}

func printIndented(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

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
	"gopkg.in/yaml.v3"
)

// planFile is the on-disk plan definition accepted by "orchard submit".
// YAML and JSON both parse; the wire payload is always JSON.
type planFile struct {
	Name   string `yaml:"name" json:"name"`
	Stages []struct {
		ID        string   `yaml:"id" json:"id"`
		Kind      string   `yaml:"kind" json:"kind"`
		SLOMs     int64    `yaml:"slo_ms" json:"slo_ms"`
		DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`
		Units     int64    `yaml:"units" json:"units,omitempty"`
	} `yaml:"stages" json:"stages"`
	Constraints struct {
		MaxShards      int `yaml:"max_shards" json:"max_shards"`
		TolerateFailed int `yaml:"tolerate_failed" json:"tolerate_failed,omitempty"`
	} `yaml:"constraints" json:"constraints"`
}

var submitCmd = &cobra.Command{
	Use:   "submit [plan-file]",
	Short: "Submit a plan for execution",
	Long: `Submits a plan definition to a running engine. The file is YAML or
JSON; pass "-" to read from stdin.

Example plan:

  name: nightly-index
  stages:
    - id: scan
      kind: map
      slo_ms: 30000
    - id: merge
      kind: reduce
      slo_ms: 60000
      depends_on: [scan]
  constraints:
    max_shards: 64`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status [plan-id]",
	Short: "Show a plan's lifecycle state and shard counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/v1/plans/" + args[0])
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort [plan-id]",
	Short: "Abort a running plan, keeping completed shard results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/v1/plans/"+args[0]+"/abort", false)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [plan-id]",
	Short: "Retry a halted or certification-failed plan (requires admin token)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/v1/plans/"+args[0]+"/retry", true)
	},
}

var reportCmd = &cobra.Command{
	Use:   "report [plan-id]",
	Short: "Show a plan's full report including the certification record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/v1/plans/" + args[0] + "/report")
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [plan-id]",
	Short: "Show cached events for a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/v1/events?plan=" + args[0])
	},
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read plan file: %w", err)
	}

	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse plan file: %w", err)
	}
	if pf.Name == "" {
		return fmt.Errorf("plan file has no name")
	}

	payload, err := json.Marshal(pf)
	if err != nil {
		return err
	}

	resp, err := httpClient().Post(serverURL+"/v1/plans", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func getJSON(path string) error {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(path string, privileged bool) error {
	req, err := http.NewRequest(http.MethodPost, serverURL+path, nil)
	if err != nil {
		return err
	}
	if privileged {
		tok := token
		if tok == "" {
			tok = os.Getenv("ORCHARD_ADMIN_TOKEN")
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// printResponse pretty-prints the JSON body and maps HTTP failures to a
// non-zero exit through the returned error.
func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(body))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("engine returned %s", resp.Status)
	}
	return nil
}

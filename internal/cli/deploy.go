package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sanjeevm-dev/cua-browser/internal/config"
	"github.com/spf13/cobra"
)

var serverURL string

var deployCmd = &cobra.Command{
	Use:   "deploy <agentID>",
	Short: "Deploy an agent through a running gateway",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeploy,
}

var stopCmd = &cobra.Command{
	Use:   "stop <sessionID>",
	Short: "Stop a running session through the gateway",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func init() {
	deployCmd.Flags().StringVar(&serverURL, "server", "", "gateway base URL (default http://localhost:<port>)")
	stopCmd.Flags().StringVar(&serverURL, "server", "", "gateway base URL (default http://localhost:<port>)")
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(stopCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	return callGateway(http.MethodPost, fmt.Sprintf("/api/agents/%s/deploy", args[0]))
}

func runStop(cmd *cobra.Command, args []string) error {
	return callGateway(http.MethodPost, fmt.Sprintf("/api/sessions/%s/stop", args[0]))
}

func callGateway(method, path string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	base := serverURL
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Server.APIKey)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		formatted, _ := json.MarshalIndent(pretty, "", "  ")
		body = formatted
	}
	fmt.Println(string(body))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return nil
}

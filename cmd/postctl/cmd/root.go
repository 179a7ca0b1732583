package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	serverAddr string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
	jwtToken   string
)

var rootCmd = &cobra.Command{
	Use:   "postctl",
	Short: "Harbor Post CLI - schedule posts on a running scheduler",
	Long: `postctl submits batches of timed posts to the Harbor Post scheduler
and inspects its health.

A scheduler in exit_on_batch_complete mode stops once the first admitted
batch has fully dispatched, so submit everything you need in one batch.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.postctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:3000", "scheduler base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "JWT bearer token (overrides JWT_TOKEN env var)")

	for _, name := range []string{"server", "timeout", "json", "pretty", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".postctl")
	}

	viper.SetEnvPrefix("POSTCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Flags win; otherwise take the config file or environment.
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverAddr = s
		}
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !flags.Changed("token") {
		if t := viper.GetString("token"); t != "" {
			jwtToken = t
		} else if t := os.Getenv("JWT_TOKEN"); t != "" {
			jwtToken = t
		}
	}
}

// apiError carries a non-2xx scheduler reply.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("scheduler returned %d: %s", e.StatusCode, e.Message)
}

// doJSON sends body as JSON and decodes the reply into out. Replies with a
// status outside 2xx become *apiError carrying the server message.
func doJSON(ctx context.Context, method, path string, headers map[string]string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal body: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(serverAddr, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &msg)
		if msg.Message == "" {
			msg.Message = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, &apiError{StatusCode: resp.StatusCode, Message: msg.Message}
	}
	return resp.StatusCode, nil
}

func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	c := exec.Command("jq", ".")
	c.Stdin = bytes.NewReader(jsonData)

	var out, stderr bytes.Buffer
	c.Stdout = &out
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}
	return out.String(), nil
}

// printJSON writes v as JSON, through jq when --pretty is set.
func printJSON(w io.Writer, v any) error {
	if prettyJSON {
		compact, err := json.Marshal(v)
		if err != nil {
			return err
		}
		formatted, err := formatWithJQ(compact)
		if err == nil {
			_, err = io.WriteString(w, formatted)
			return err
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

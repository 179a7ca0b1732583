package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type batchItem struct {
	Content string `json:"content" mapstructure:"content"`
	FireAt  string `json:"fire_at" mapstructure:"fire_at"`
}

type batchRequest struct {
	Items          []batchItem `json:"items" mapstructure:"items"`
	IdempotencyKey string      `json:"idempotency_key,omitempty" mapstructure:"idempotency_key"`
}

type batchResponse struct {
	Accepted  bool   `json:"accepted"`
	Message   string `json:"message"`
	BatchID   string `json:"batch_id,omitempty"`
	Scheduled int    `json:"scheduled,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit a batch file",
	Long: `Submit a batch of posts described in a JSON, YAML or TOML file.
Use - to read JSON from stdin.

The file holds the same shape the API takes:

  items:
    - content: "first post"
      fire_at: "2030-01-01T09:00:00Z"
    - content: "second post"
      fire_at: "2030-01-01 12:30:00"
  idempotency_key: launch-day

Naive timestamps are read in the scheduler's timezone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := loadBatch(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		if key, _ := cmd.Flags().GetString("idempotency-key"); key != "" {
			req.IdempotencyKey = key
		}
		return submit(cmd, req)
	},
}

// loadBatch decodes a batch file with viper so any format it reads works.
func loadBatch(path string, stdin io.Reader) (batchRequest, error) {
	v := viper.New()
	if path == "-" {
		v.SetConfigType("json")
		if err := v.ReadConfig(stdin); err != nil {
			return batchRequest{}, fmt.Errorf("read batch from stdin: %w", err)
		}
	} else {
		if _, err := os.Stat(path); err != nil {
			return batchRequest{}, fmt.Errorf("batch file: %w", err)
		}
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("json")
		}
		if err := v.ReadInConfig(); err != nil {
			return batchRequest{}, fmt.Errorf("read batch file: %w", err)
		}
	}

	var req batchRequest
	if err := v.Unmarshal(&req, viper.DecodeHook(timeToString())); err != nil {
		return batchRequest{}, fmt.Errorf("decode batch: %w", err)
	}
	if len(req.Items) == 0 {
		return batchRequest{}, fmt.Errorf("batch has no items")
	}
	return req, nil
}

// timeToString turns datetimes a TOML parser already decoded back into
// text. Local datetimes keep their naive form.
func timeToString() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to.Kind() != reflect.String {
			return data, nil
		}
		switch v := data.(type) {
		case time.Time:
			return v.Format(time.RFC3339Nano), nil
		case fmt.Stringer:
			return v.String(), nil
		}
		return data, nil
	}
}

func submit(cmd *cobra.Command, req batchRequest) error {
	var resp batchResponse
	_, err := doJSON(cmd.Context(), "POST", "/v1/batches", nil, req, &resp)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, resp)
	}
	if resp.Duplicate {
		fmt.Fprintf(out, "Batch %s was already admitted, nothing new scheduled\n", resp.BatchID)
		return nil
	}
	fmt.Fprintf(out, "Scheduled %d post(s) in batch %s\n", resp.Scheduled, resp.BatchID)
	return nil
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("idempotency-key", "", "idempotency key, overrides the file's")
}

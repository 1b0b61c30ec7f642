package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/accountdeck/internal/appconfig"
	"pkt.systems/accountdeck/schema"
)

// apiClient talks to the diagnostics API of a running server.
type apiClient struct {
	base string
	http *http.Client
}

type clientFlags struct {
	cfgPath string
	addr    string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "server URL (defaults to http.addr and http.base_path from the config)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 2*time.Minute, "request timeout")
}

func (f *clientFlags) client() (*apiClient, error) {
	base := strings.TrimSpace(f.addr)
	if base == "" {
		cfg, err := appconfig.Load(f.cfgPath)
		if err != nil {
			return nil, err
		}
		if cfg.HTTP.Addr == "" {
			return nil, errors.New("http.addr is empty; pass --addr")
		}
		base = "http://" + cfg.HTTP.Addr + strings.TrimRight(cfg.HTTP.BasePath, "/")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", base, err)
	}
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: f.timeout}}, nil
}

// apiError is the error body of a failed request.
type apiError struct {
	Status   int
	Message  string
	Category schema.Category
	Action   schema.Action
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	if e.Action != schema.ActionNone {
		msg += " (suggested action: " + string(e.Action) + ")"
	}
	return msg
}

// do sends a request and returns the raw JSON body. Failed requests return the
// body together with an *apiError.
func (c *apiClient) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 300 {
		return data, nil
	}
	var failure struct {
		Error    string          `json:"error"`
		Reason   string          `json:"reason"`
		Category schema.Category `json:"category"`
		Action   schema.Action   `json:"action"`
	}
	_ = json.Unmarshal(data, &failure)
	msg := failure.Error
	if msg == "" {
		msg = failure.Reason
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return data, &apiError{Status: resp.StatusCode, Message: msg, Category: failure.Category, Action: failure.Action}
}

func writeIndented(w io.Writer, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// runRequest prints the response body, including the body of a failed request.
func runRequest(cmd *cobra.Command, flags *clientFlags, method, path string, body any) error {
	client, err := flags.client()
	if err != nil {
		return err
	}
	data, reqErr := client.do(cmd.Context(), method, path, body)
	if err := writeIndented(cmd.OutOrStdout(), data); err != nil {
		return err
	}
	return reqErr
}

func normalizeID(raw string) (schema.AccountID, error) {
	return schema.NormalizeAccountID(raw)
}

func accountPath(raw string, suffix string) (string, error) {
	id, err := normalizeID(raw)
	if err != nil {
		return "", err
	}
	return "/api/accounts/" + url.PathEscape(string(id)) + suffix, nil
}

func newAccountsCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "accounts [id]",
		Short: "Show the status of every account, or of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/accounts"
			if len(args) == 1 {
				p, err := accountPath(args[0], "")
				if err != nil {
					return err
				}
				path = p
			}
			return runRequest(cmd, &flags, http.MethodGet, path, nil)
		},
	}
	flags.register(cmd)
	return cmd
}

func newStatsCmd() *cobra.Command {
	var flags clientFlags
	var memory bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show lifecycle counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/stats"
			if memory {
				path = "/api/memory"
			}
			return runRequest(cmd, &flags, http.MethodGet, path, nil)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&memory, "memory", false, "show memory usage instead")
	return cmd
}

func newBackupsCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "backups <id>",
		Short: "List an account's partition backups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := accountPath(args[0], "/backups")
			if err != nil {
				return err
			}
			return runRequest(cmd, &flags, http.MethodGet, path, nil)
		},
	}
	flags.register(cmd)
	return cmd
}

var simpleActions = []struct {
	name  string
	short string
}{
	{"activate", "Show an account, creating or resuming its surface"},
	{"suspend", "Hide an account's surface into the pool"},
	{"destroy", "Tear an account's surface down, keeping its data"},
	{"reconnect", "Run one reconnection attempt"},
}

func newSimpleActionCmd(action, short string) *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := accountPath(args[0], "/"+action)
			if err != nil {
				return err
			}
			return runRequest(cmd, &flags, http.MethodPost, path, struct{}{})
		},
	}
	flags.register(cmd)
	return cmd
}

type actionBody struct {
	Backup   *bool  `json:"backup,omitempty"`
	Reload   *bool  `json:"reload,omitempty"`
	Snapshot string `json:"snapshot,omitempty"`
}

func newRecoverCmd() *cobra.Command {
	var flags clientFlags
	var noBackup bool
	cmd := &cobra.Command{
		Use:   "recover <id>",
		Short: "Rebuild an account's session data, keeping its settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := accountPath(args[0], "/recover")
			if err != nil {
				return err
			}
			backup := !noBackup
			return runRequest(cmd, &flags, http.MethodPost, path, actionBody{Backup: &backup})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the partition backup")
	return cmd
}

func newResetCmd() *cobra.Command {
	var flags clientFlags
	var noBackup bool
	var noReload bool
	cmd := &cobra.Command{
		Use:   "reset <id>",
		Short: "Wipe an account's partition and settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := accountPath(args[0], "/reset")
			if err != nil {
				return err
			}
			backup, reload := !noBackup, !noReload
			return runRequest(cmd, &flags, http.MethodPost, path, actionBody{Backup: &backup, Reload: &reload})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the partition backup")
	cmd.Flags().BoolVar(&noReload, "no-reload", false, "leave the account without a surface afterwards")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "restore <id> <snapshot>",
		Short: "Replace an account's partition with a backup",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := accountPath(args[0], "/restore")
			if err != nil {
				return err
			}
			return runRequest(cmd, &flags, http.MethodPost, path, actionBody{Snapshot: strings.TrimSpace(args[1])})
		},
	}
	flags.register(cmd)
	return cmd
}

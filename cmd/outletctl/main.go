// Command outletctl is the operator CLI for a running OutletPipe instance.
// Every command talks to the admin API and needs the admin token.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/spf13/cobra"
)

const (
	defaultAddr    = "http://localhost:8080"
	defaultTimeout = 15 * time.Second
)

var errNoToken = errors.New("admin token required: pass --token or set OUTLETPIPE_ADMIN_TOKEN")

func main() {
	if err := newRootCmd(os.Stdout).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	addr    string
	token   string
	timeout time.Duration
	out     io.Writer
}

func (g *globalOptions) client() *adminClient {
	return &adminClient{
		base:  strings.TrimRight(g.addr, "/"),
		token: g.token,
		http:  &http.Client{Timeout: g.timeout},
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globalOptions{out: out}
	root := &cobra.Command{
		Use:          "outletctl",
		Short:        "Operate a running OutletPipe instance",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(g.token) == "" {
				return errNoToken
			}
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(out)

	addr := os.Getenv("OUTLETPIPE_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	root.PersistentFlags().StringVar(&g.addr, "addr", addr, "OutletPipe base URL (or $OUTLETPIPE_ADDR)")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("OUTLETPIPE_ADMIN_TOKEN"), "admin bearer token (or $OUTLETPIPE_ADMIN_TOKEN)")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", defaultTimeout, "request timeout")

	root.AddCommand(newSessionCmd(g), newDeliveriesCmd(g), newActorCmd(g))
	return root
}

// adminClient calls the admin routes and unwraps the JSON envelope.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

// apiError is a non-2xx admin response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// do sends the request and decodes the response result into out when non-nil.
func (c *adminClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode/100 != 2 || envelope.Status != string(models.APIStatusOK) {
		return &apiError{Status: resp.StatusCode, Message: envelope.Message}
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

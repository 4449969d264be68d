package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/askcontinue/askcontinue-core/config"
	"github.com/askcontinue/askcontinue-core/mcp"
	"github.com/askcontinue/askcontinue-core/ports"
	"github.com/askcontinue/askcontinue-core/registry"
	"github.com/askcontinue/askcontinue-core/tui"
	"github.com/askcontinue/askcontinue-core/workspace"
)

var errNoServer = errors.New("no running askcontinue server found")

// target selects the server an operator command talks to.
type target struct {
	port         int
	workspaceDir string
}

func (t *target) bind(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&t.port, "port", "p", 0, "server port (default: discovered)")
	cmd.Flags().StringVarP(&t.workspaceDir, "workspace", "w", "", "pick the server for this project directory")
}

// baseURL resolves the server address, from --port or the discovery files.
// Discovery prefers the newest server, or the one bound to --workspace.
func (t *target) baseURL(cfg *config.Config) (string, error) {
	if t.port > 0 {
		return fmt.Sprintf("http://127.0.0.1:%d", t.port), nil
	}
	bindings, err := ports.New(cfg.ResolvePortsDir()).Discover()
	if err != nil {
		return "", fmt.Errorf("failed to read port files: %w", err)
	}
	if len(bindings) == 0 {
		return "", errNoServer
	}
	if t.workspaceDir == "" {
		return fmt.Sprintf("http://127.0.0.1:%d", bindings[0].Port), nil
	}
	id := workspace.FromDir(t.workspaceDir)
	for _, b := range bindings {
		if b.ProjectID == id {
			return fmt.Sprintf("http://127.0.0.1:%d", b.Port), nil
		}
	}
	return "", fmt.Errorf("%w for workspace %s", errNoServer, id)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// doJSON sends body (if any) and decodes a 2xx reply into out. Error replies
// carry {"error": "..."}.
func doJSON(method, u string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("server: %s", e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newAnswerCmd(a *app) *cobra.Command {
	var (
		t        target
		action   string
		feedback string
		images   []string
	)
	cmd := &cobra.Command{
		Use:   "answer [request-id]",
		Short: "Answer a pending request on a running server",
		Long: `Resolve a pending request. Without a request id the newest pending
request is answered. Images are attached with --image and sent as data URLs.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if _, err := registry.ParseAction(action); err != nil {
				return err
			}

			body := mcp.DecisionRequest{Action: action, Feedback: feedback}
			for _, path := range images {
				img, err := tui.LoadImage(path)
				if err != nil {
					return err
				}
				body.Images = append(body.Images, mcp.DataURL(img))
			}

			base, err := t.baseURL(cfg)
			if err != nil {
				return err
			}
			id := "latest"
			if len(args) > 0 {
				id = args[0]
			}

			var out struct {
				ID string `json:"id"`
			}
			if err := doJSON(http.MethodPost, base+"/pending/"+url.PathEscape(id)+"/decision", body, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s: %s\n", out.ID, strings.ToLower(action))
			return nil
		},
	}
	t.bind(cmd)
	cmd.Flags().StringVarP(&action, "action", "a", string(registry.ActionContinue), "continue, end or cancel")
	cmd.Flags().StringVarP(&feedback, "feedback", "f", "", "instructions for the next round")
	cmd.Flags().StringArrayVarP(&images, "image", "i", nil, "image file to attach (repeatable)")
	return cmd
}

func newPendingCmd(a *app) *cobra.Command {
	var (
		t      target
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List the requests waiting on a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			base, err := t.baseURL(cfg)
			if err != nil {
				return err
			}

			var items []mcp.PendingItem
			if err := doJSON(http.MethodGet, base+"/pending", nil, &items); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "no pending requests")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tROUND\tTRANSPORT\tAGE\tSUMMARY")
			for _, it := range items {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", it.ID, it.Round, it.Transport,
					time.Since(it.CreatedAt).Round(time.Second), firstLine(it.Summary, 60))
			}
			return tw.Flush()
		},
	}
	t.bind(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func firstLine(s string, maxLen int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if r := []rune(s); len(r) > maxLen {
		s = string(r[:maxLen-3]) + "..."
	}
	return s
}

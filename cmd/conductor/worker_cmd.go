package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/orchestrator"
	"github.com/mattjoyce/conductor/internal/tui/watch"
	"github.com/mattjoyce/conductor/internal/worker"
)

const defaultAPIURL = "http://127.0.0.1:8420"

// apiClient talks to the control API of a running service. Workers only live
// inside that process, so every worker command goes through it.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func addAPIFlags(fs *flag.FlagSet) (*string, *string) {
	apiURL := fs.String("api", envOr("CONDUCTOR_API_URL", defaultAPIURL), "Service API URL")
	token := fs.String("token", os.Getenv("CONDUCTOR_API_TOKEN"), "API bearer token")
	return apiURL, token
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newAPIClient(base, token string) *apiClient {
	// Dispatches block until the worker's turn ends.
	return &apiClient{base: strings.TrimSuffix(base, "/"), token: token, http: &http.Client{Timeout: 30 * time.Minute}}
}

// do sends body as JSON and decodes a 2xx answer into out. Non-2xx answers
// become errors carrying the server's message.
func (c *apiClient) do(method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func runWorkerDispatch(args []string) int {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	apiURL, token := addAPIFlags(fs)
	agent := fs.String("agent", "", "Agent definition applied if the worker is spawned")
	dir := fs.String("dir", "", "Working directory if the worker is spawned")
	jsonOut := fs.Bool("json", false, "Print the result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: conductor worker dispatch [--agent NAME] <name> <task>")
		return 1
	}
	name := fs.Arg(0)
	task := strings.Join(fs.Args()[1:], " ")

	var res orchestrator.DispatchResult
	req := api.DispatchRequest{Task: task, SpawnFields: api.SpawnFields{Agent: *agent, Dir: *dir}}
	if err := newAPIClient(*apiURL, *token).do(http.MethodPost, "/workers/"+url.PathEscape(name)+"/dispatch", req, &res); err != nil {
		fmt.Fprintf(os.Stderr, "Dispatch failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		writeJSON(os.Stdout, res, nil)
		return 0
	}
	if res.Spawned {
		fmt.Fprintf(os.Stderr, "spawned worker %s\n", res.Worker)
	}
	fmt.Println(res.Output)
	return 0
}

func runWorkerList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	apiURL, token := addAPIFlags(fs)
	jsonOut := fs.Bool("json", false, "Print workers as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var infos []worker.Info
	if err := newAPIClient(*apiURL, *token).do(http.MethodGet, "/workers", nil, &infos); err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		writeJSON(os.Stdout, infos, nil)
		return 0
	}
	printWorkers(os.Stdout, infos)
	return 0
}

func printWorkers(w io.Writer, infos []worker.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "no workers")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tPID\tAGENT\tTURNS\tPENDING\tLAST ACTIVE")
	for _, info := range infos {
		agent := info.Agent
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%s\n",
			info.Name, info.State, info.Pid, agent, info.Usage.Turns, info.Pending,
			info.LastActive.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func runWorkerKill(args []string) int {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	apiURL, token := addAPIFlags(fs)
	graceful := fs.Bool("graceful", false, "Ask the worker to shut down before signalling it")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: conductor worker kill [--graceful] <name>")
		return 1
	}

	path := "/workers/" + url.PathEscape(fs.Arg(0))
	if *graceful {
		path += "?graceful=true"
	}
	if err := newAPIClient(*apiURL, *token).do(http.MethodDelete, path, nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Kill failed: %v\n", err)
		return 1
	}
	fmt.Printf("worker %s stopped\n", fs.Arg(0))
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL, token := addAPIFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(strings.TrimSuffix(*apiURL, "/"), *token), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

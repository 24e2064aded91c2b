package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// RunCLI dispatches the version/status/routes subcommands against a running
// node's status API before any flag parsing happens, mirroring
// `server/cli.go`'s RunCLI(args, dbPath) bool dispatch shape. It returns
// true if args named a recognized subcommand (handled, process should exit
// now) or false if the caller should fall through to normal daemon startup.
func RunCLI(args []string, apiAddr string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("midimeshd %s\n", version)
		return true
	case "status":
		cliStatus(apiAddr, args[1:])
		return true
	case "routes":
		cliRoutes(apiAddr, args[1:])
		return true
	default:
		return false
	}
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func apiGet(apiAddr, path string, out interface{}) error {
	resp, err := httpClient.Get("http://" + apiAddr + path)
	if err != nil {
		return fmt.Errorf("connect to %s: %w (is midimeshd running?)", apiAddr, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func apiDo(apiAddr, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://"+apiAddr+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w (is midimeshd running?)", apiAddr, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s", resp.Status, string(respBody))
	}
	return respBody, nil
}

type connectionInfo struct {
	RemoteNode string `json:"remote_node"`
	State      string `json:"state"`
}

type statusResponse struct {
	NodeId      string           `json:"node_id"`
	Version     string           `json:"version"`
	Connections []connectionInfo `json:"connections"`
}

type routerStatistics struct {
	MessagesSent     uint64 `json:"MessagesSent"`
	MessagesReceived uint64 `json:"MessagesReceived"`
	Forwarded        uint64 `json:"Forwarded"`
	Dropped          uint64 `json:"Dropped"`
	LoopsDetected    uint64 `json:"LoopsDetected"`
}

type statsResponse struct {
	Router routerStatistics `json:"router"`
}

// cliStatus implements the `status` subcommand (SPEC_FULL.md §12): prints
// node identity, peer connections and router statistics in human-readable
// form. `status --reset` additionally hits POST /stats/reset first.
func cliStatus(apiAddr string, args []string) {
	reset := false
	for _, a := range args {
		if a == "--reset" || a == "-reset" {
			reset = true
		}
	}
	if reset {
		if _, err := apiDo(apiAddr, http.MethodPost, "/stats/reset", nil); err != nil {
			fmt.Fprintf(os.Stderr, "status: reset statistics: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("statistics reset")
	}

	var st statusResponse
	if err := apiGet(apiAddr, "/status", &st); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("node:       %s\n", st.NodeId)
	fmt.Printf("version:    %s\n", st.Version)
	fmt.Printf("peers:      %d\n", len(st.Connections))
	for _, c := range st.Connections {
		fmt.Printf("  - %s  [%s]\n", c.RemoteNode, c.State)
	}

	var stats statsResponse
	if err := apiGet(apiAddr, "/stats", &stats); err != nil {
		fmt.Fprintf(os.Stderr, "status: fetch stats: %v\n", err)
		os.Exit(1)
	}
	r := stats.Router
	fmt.Println("router statistics:")
	fmt.Printf("  sent:           %s\n", humanize.Comma(int64(r.MessagesSent)))
	fmt.Printf("  received:       %s\n", humanize.Comma(int64(r.MessagesReceived)))
	fmt.Printf("  forwarded:      %s\n", humanize.Comma(int64(r.Forwarded)))
	fmt.Printf("  dropped:        %s\n", humanize.Comma(int64(r.Dropped)))
	fmt.Printf("  loops detected: %s\n", humanize.Comma(int64(r.LoopsDetected)))
}

type deviceKey struct {
	OwnerNode     string `json:"OwnerNode"`
	LocalDeviceID uint16 `json:"LocalDeviceID"`
}

type ruleStats struct {
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
}

type rule struct {
	RuleID          string    `json:"ruleId"`
	Enabled         bool      `json:"enabled"`
	Priority        int       `json:"priority"`
	Source          deviceKey `json:"source"`
	Destination     deviceKey `json:"destination"`
	ChannelFilter   int       `json:"channelFilter,omitempty"`
	MessageTypeMask uint8     `json:"messageTypeFilter"`
	Stats           ruleStats `json:"statistics"`
}

// cliRoutes implements the `routes` subcommand's list/add/remove/enable/
// disable forms, mirroring `server/cli.go`'s per-subcommand stdout/stderr
// and os.Exit(1)-on-error convention.
func cliRoutes(apiAddr string, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "routes: expected a subcommand (list, add, remove, enable, disable)")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		routesList(apiAddr)
	case "add":
		routesAdd(apiAddr, args[1:])
	case "remove":
		routesSetEnabledOrRemove(apiAddr, args[1:], "remove")
	case "enable":
		routesSetEnabledOrRemove(apiAddr, args[1:], "enable")
	case "disable":
		routesSetEnabledOrRemove(apiAddr, args[1:], "disable")
	default:
		fmt.Fprintf(os.Stderr, "routes: unknown subcommand %q\n", args[0])
		os.Exit(1)
	}
}

func routesList(apiAddr string) {
	var rules []rule
	if err := apiGet(apiAddr, "/routes", &rules); err != nil {
		fmt.Fprintf(os.Stderr, "routes list: %v\n", err)
		os.Exit(1)
	}
	if len(rules) == 0 {
		fmt.Println("no routes configured")
		return
	}
	for _, r := range rules {
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		fmt.Printf("%s  prio=%-4d %s  %s:%d -> %s:%d  fwd=%d drop=%d\n",
			r.RuleID, r.Priority, state,
			nodeLabel(r.Source.OwnerNode), r.Source.LocalDeviceID,
			nodeLabel(r.Destination.OwnerNode), r.Destination.LocalDeviceID,
			r.Stats.Forwarded, r.Stats.Dropped)
	}
}

func nodeLabel(n string) string {
	if n == "" || n == "00000000-0000-0000-0000-000000000000" {
		return "local"
	}
	return n
}

// routesAdd expects "<srcDeviceId> <dstDeviceId> [priority] [channelFilter]
// [typeMask]", addressing only locally owned devices (source_node/dest_node
// left empty resolves to "local" on the server, per statusapi's
// nodeKeyFromRequest).
func routesAdd(apiAddr string, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "routes add: usage: routes add <srcDeviceId> <dstDeviceId> [priority] [channelFilter] [typeMask]")
		os.Exit(1)
	}
	srcID, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "routes add: bad srcDeviceId %q: %v\n", args[0], err)
		os.Exit(1)
	}
	dstID, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "routes add: bad dstDeviceId %q: %v\n", args[1], err)
		os.Exit(1)
	}
	priority := 0
	if len(args) > 2 {
		priority, _ = strconv.Atoi(args[2])
	}
	channelFilter := 0
	if len(args) > 3 {
		channelFilter, _ = strconv.Atoi(args[3])
	}
	typeMask := uint64(0)
	if len(args) > 4 {
		typeMask, _ = strconv.ParseUint(args[4], 10, 8)
	}

	req := map[string]interface{}{
		"priority":       priority,
		"source_device":  srcID,
		"dest_device":    dstID,
		"channel_filter": channelFilter,
		"type_mask":      typeMask,
	}
	body, err := apiDo(apiAddr, http.MethodPost, "/routes", req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "routes add: %v\n", err)
		os.Exit(1)
	}
	var created rule
	if err := json.Unmarshal(body, &created); err == nil {
		fmt.Printf("added route %s\n", created.RuleID)
	} else {
		fmt.Println("route added")
	}
}

func routesSetEnabledOrRemove(apiAddr string, args []string, action string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "routes %s: usage: routes %s <ruleId>\n", action, action)
		os.Exit(1)
	}
	ruleID := args[0]
	var err error
	switch action {
	case "remove":
		_, err = apiDo(apiAddr, http.MethodDelete, "/routes/"+ruleID, nil)
	case "enable":
		_, err = apiDo(apiAddr, http.MethodPost, "/routes/"+ruleID+"/enabled", map[string]bool{"enabled": true})
	case "disable":
		_, err = apiDo(apiAddr, http.MethodPost, "/routes/"+ruleID+"/enabled", map[string]bool{"enabled": false})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "routes %s: %v\n", action, err)
		os.Exit(1)
	}
	fmt.Printf("route %s: %sd\n", ruleID, action)
}

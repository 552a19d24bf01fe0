package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
)

// rpcClientError mirrors the {code, message} half of a JSON-RPC error
// envelope, letting cmdStatus map it back to an exit code.
type rpcClientError struct {
	Code    int
	Message string
}

func (e *rpcClientError) Error() string { return e.Message }

type statusEntry struct {
	Namespace   string   `json:"namespace"`
	Name        string   `json:"name"`
	Running     bool     `json:"running"`
	CPUUsage    *float64 `json:"cpu_usage"`
	MemoryUsage *uint64  `json:"memory_usage"`
	DiskUsage   *uint64  `json:"disk_usage"`
}

// queryStatus calls sandbox.status against a running server. With no names
// it issues one namespace-wide (or wildcard) query; with names it issues one
// call per sandbox and concatenates the results, stopping at the first call
// that fails and returning that error as-is so cmdStatus can map it to an
// exit code.
func queryStatus(serverURL, token, namespace string, names []string) ([]statusEntry, error) {
	if len(names) == 0 {
		return callSandboxStatus(serverURL, token, namespace, "")
	}

	var all []statusEntry
	for _, name := range names {
		entries, err := callSandboxStatus(serverURL, token, namespace, name)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

func callSandboxStatus(serverURL, token, namespace, sandbox string) ([]statusEntry, error) {
	params, _ := json.Marshal(map[string]string{"namespace": namespace, "sandbox": sandbox})
	reqBody, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "sandbox.status",
		"params":  json.RawMessage(params),
		"id":      1,
	})

	req, err := http.NewRequest(http.MethodPost, serverURL+"/api/v1/rpc", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result *struct {
			Sandboxes []statusEntry `json:"sandboxes"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return nil, &rpcClientError{Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if envelope.Result == nil {
		return nil, nil
	}
	return envelope.Result.Sandboxes, nil
}

func printStatusTable(entries []statusEntry) {
	if len(entries) == 0 {
		fmt.Println("no sandboxes found")
		return
	}
	fmt.Printf("%-12s %-20s %-8s %-8s %-10s\n", "NAMESPACE", "NAME", "RUNNING", "CPU", "MEMORY")
	for _, e := range entries {
		cpu := "-"
		if e.CPUUsage != nil {
			cpu = fmt.Sprintf("%.1f%%", *e.CPUUsage)
		}
		mem := "-"
		if e.MemoryUsage != nil {
			mem = humanize.IBytes(*e.MemoryUsage)
		}
		fmt.Printf("%-12s %-20s %-8t %-8s %-10s\n", e.Namespace, e.Name, e.Running, cpu, mem)
	}
}

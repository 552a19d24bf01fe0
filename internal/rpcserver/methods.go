package rpcserver

import (
	"encoding/json"
	"time"

	"github.com/radiumce/microsandbox/internal/config"
	"github.com/radiumce/microsandbox/internal/errs"
	"github.com/radiumce/microsandbox/internal/portal"
	"github.com/radiumce/microsandbox/internal/sandbox"
)

type sandboxConfigParams struct {
	Image     string               `json:"image"`
	MemoryMiB uint32               `json:"memory"`
	CPUs      uint8                `json:"cpus"`
	Volumes   []config.Volume      `json:"volumes"`
	Ports     []config.PortMapping `json:"ports"`
	Env       map[string]string    `json:"envs"`
	DependsOn []string             `json:"depends_on"`
	Workdir   string               `json:"workdir"`
	Shell     string               `json:"shell"`
	Exec      string               `json:"exec"`
}

type sandboxStartParams struct {
	Sandbox   string               `json:"sandbox"`
	Namespace string               `json:"namespace"`
	Config    *sandboxConfigParams `json:"config"`
}

func (s *Server) handleSandboxStart(dc dispatchContext, raw json.RawMessage) (any, error) {
	p, err := decodeParams[sandboxStartParams](raw)
	if err != nil {
		return nil, err
	}
	if err := authorizeNamespace(dc, p.Namespace); err != nil {
		return nil, err
	}
	if p.Sandbox == "" {
		return nil, errs.ConfigInvalid("sandbox name is required")
	}

	spec := config.SandboxSpec{Name: p.Sandbox, MemoryMiB: 1024, CPUs: 1}
	if p.Config != nil {
		spec.ImageRef = p.Config.Image
		if p.Config.MemoryMiB > 0 {
			spec.MemoryMiB = p.Config.MemoryMiB
		}
		if p.Config.CPUs > 0 {
			spec.CPUs = p.Config.CPUs
		}
		spec.Volumes = p.Config.Volumes
		spec.Ports = p.Config.Ports
		spec.Env = p.Config.Env
		spec.DependsOn = p.Config.DependsOn
		spec.Workdir = p.Config.Workdir
		spec.Shell = p.Config.Shell
		spec.StartCommand = p.Config.Exec
	}

	if _, err := s.supervisor.Start(dc.ctx, p.Namespace, spec); err != nil {
		return nil, err
	}
	return "Sandbox " + p.Sandbox + " started successfully", nil
}

type sandboxStopParams struct {
	Sandbox   string `json:"sandbox"`
	Namespace string `json:"namespace"`
}

func (s *Server) handleSandboxStop(dc dispatchContext, raw json.RawMessage) (any, error) {
	p, err := decodeParams[sandboxStopParams](raw)
	if err != nil {
		return nil, err
	}
	if err := authorizeNamespace(dc, p.Namespace); err != nil {
		return nil, err
	}
	if err := s.supervisor.Stop(dc.ctx, p.Namespace, p.Sandbox, defaultStopDeadline); err != nil {
		return nil, err
	}
	return "Sandbox " + p.Sandbox + " stopped successfully", nil
}

type sandboxStatusParams struct {
	Namespace string `json:"namespace"`
	Sandbox   string `json:"sandbox"`
}

type sandboxStatusEntry struct {
	Namespace   string   `json:"namespace"`
	Name        string   `json:"name"`
	Running     bool     `json:"running"`
	CPUUsage    *float64 `json:"cpu_usage,omitempty"`
	MemoryUsage *uint64  `json:"memory_usage,omitempty"`
	DiskUsage   *uint64  `json:"disk_usage,omitempty"`
}

func (s *Server) handleSandboxStatus(dc dispatchContext, raw json.RawMessage) (any, error) {
	p, err := decodeParams[sandboxStatusParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Namespace != "*" {
		if err := authorizeNamespace(dc, p.Namespace); err != nil {
			return nil, err
		}
	}

	if p.Sandbox != "" && p.Namespace != "*" {
		info, err := s.supervisor.Status(p.Namespace, p.Sandbox)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sandboxes": []sandboxStatusEntry{toStatusEntry(p.Namespace, p.Sandbox, info)}}, nil
	}

	// namespace == "*" (every namespace the token is scoped for) or a
	// whole-namespace query without a specific sandbox name: enumerate
	// the namespace store's directory tree and look each entry up
	// individually, since the supervisor itself only exposes
	// single-sandbox lookups.
	namespaces, err := s.namespacesFor(dc, p.Namespace)
	if err != nil {
		return nil, err
	}
	entries := []sandboxStatusEntry{}
	for _, ns := range namespaces {
		names, err := s.store.List(ns)
		if err != nil {
			continue
		}
		for _, name := range names {
			if p.Sandbox != "" && name != p.Sandbox {
				continue
			}
			info, err := s.supervisor.Status(ns, name)
			if err != nil {
				continue
			}
			entries = append(entries, toStatusEntry(ns, name, info))
		}
	}
	return map[string]any{"sandboxes": entries}, nil
}

// namespacesFor resolves which namespace directories a status query should
// scan: every namespace on disk when the caller's token is wildcard-scoped,
// or just the caller's own namespace otherwise.
func (s *Server) namespacesFor(dc dispatchContext, requested string) ([]string, error) {
	if requested != "*" {
		return []string{requested}, nil
	}
	if dc.namespace != "*" {
		return []string{dc.namespace}, nil
	}
	return s.store.Namespaces()
}

func toStatusEntry(namespace, name string, info sandbox.StatusInfo) sandboxStatusEntry {
	return sandboxStatusEntry{
		Namespace:   namespace,
		Name:        name,
		Running:     info.Status == sandbox.StatusReady || info.Status == sandbox.StatusRunning || info.Status == sandbox.StatusProcessing,
		CPUUsage:    info.CPUUsage,
		MemoryUsage: info.MemoryUsage,
		DiskUsage:   info.DiskUsage,
	}
}

type replRunParams struct {
	Sandbox   string `json:"sandbox"`
	Namespace string `json:"namespace"`
	Language  string `json:"language"`
	Code      string `json:"code"`
	Timeout   int    `json:"timeout"`
}

func (s *Server) handleReplRun(dc dispatchContext, raw json.RawMessage) (any, error) {
	p, err := decodeParams[replRunParams](raw)
	if err != nil {
		return nil, err
	}
	if err := authorizeNamespace(dc, p.Namespace); err != nil {
		return nil, err
	}
	if p.Language != "python" && p.Language != "nodejs" {
		return nil, errs.ConfigInvalid("language must be python or nodejs")
	}

	res, err := s.supervisor.ExecCode(dc.ctx, p.Namespace, p.Sandbox, portal.RunCodeRequest{
		Language: p.Language, Code: p.Code, Timeout: time.Duration(p.Timeout) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":    "success",
		"language":  p.Language,
		"output":    res.Stdout,
		"error":     res.Stderr,
		"has_error": res.HasError,
	}, nil
}

type commandRunParams struct {
	Sandbox   string   `json:"sandbox"`
	Namespace string   `json:"namespace"`
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	Timeout   int      `json:"timeout"`
}

func (s *Server) handleCommandRun(dc dispatchContext, raw json.RawMessage) (any, error) {
	p, err := decodeParams[commandRunParams](raw)
	if err != nil {
		return nil, err
	}
	if err := authorizeNamespace(dc, p.Namespace); err != nil {
		return nil, err
	}

	res, err := s.supervisor.ExecCommand(dc.ctx, p.Namespace, p.Sandbox, portal.CommandRequest{
		Command: p.Command, Args: p.Args, Timeout: time.Duration(p.Timeout) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	exitCode := 0
	if res.ExitCode != nil {
		exitCode = *res.ExitCode
	}
	return map[string]any{
		"command":   p.Command,
		"args":      p.Args,
		"exit_code": exitCode,
		"success":   res.Success,
		"output":    res.Stdout,
		"error":     res.Stderr,
	}, nil
}

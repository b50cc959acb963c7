// Package infra turns logical provisioning, rotation, and teardown
// intents into allowlisted shell commands or remote API calls, with
// transport fallback.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/fleetd/internal/config"
	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
	"github.com/devghori1264/aerophoenix/fleetd/internal/netparse"
	"github.com/devghori1264/aerophoenix/fleetd/internal/runner"
)

// ProvisionRequest carries everything needed to bring up one VM's
// compute.
type ProvisionRequest struct {
	VMID      string
	Region    string
	RAMMB     int
	CPUCores  int
	BaseImage string
}

// ProvisionResult is what compute provisioning reports back.
type ProvisionResult struct {
	PublicIP  string
	Provider  string
	LatencyMs int
	ExitNode  string
	Runs      []runner.CommandRun
}

// RotationResult is what one tunnel rotation reports back.
type RotationResult struct {
	PublicIP  string
	LatencyMs int
	ASN       string
	Runs      []runner.CommandRun
}

// SecuritySnapshot captures the host network posture: namespaces,
// routing table/device pairs, and firewall ruleset presence.
type SecuritySnapshot struct {
	Namespaces     []string
	RoutingTables  []netparse.RouteEntry
	FirewallStatus string
	Runs           []runner.CommandRun
}

// Adapter realizes infrastructure intents through either local
// commands or the remote control APIs, depending on transport.
type Adapter struct {
	runner    *runner.Runner
	transport config.Transport
	fallback  bool
	scripts   config.ScriptConfig
	workdir   string
	vmAPI     *apiClient
	proxyAPI  *apiClient
	logger    *zap.Logger

	vmEndpoints    map[string]string
	proxyEndpoints map[string]string
}

func NewAdapter(cfg *config.Config, run *runner.Runner, logger *zap.Logger) *Adapter {
	return &Adapter{
		runner:    run,
		transport: cfg.Infra.Transport,
		fallback:  cfg.Infra.APIFallbackShell,
		scripts:   cfg.Scripts,
		workdir:   cfg.Infra.Workdir,
		vmAPI:     newAPIClient("vm", cfg.VMAPI.BaseURL, cfg.VMAPI.Token, cfg.Infra.APITimeout),
		proxyAPI:  newAPIClient("proxy", cfg.ProxyAPI.BaseURL, cfg.ProxyAPI.Token, cfg.Infra.APITimeout),
		logger:    logger,
		vmEndpoints: map[string]string{
			"create":  cfg.VMAPI.CreateEndpoint,
			"stop":    cfg.VMAPI.StopEndpoint,
			"restart": cfg.VMAPI.RestartEndpoint,
			"delete":  cfg.VMAPI.DeleteEndpoint,
		},
		proxyEndpoints: map[string]string{
			"rotate":   cfg.ProxyAPI.RotateEndpoint,
			"register": cfg.ProxyAPI.RegisterEndpoint,
			"security": cfg.ProxyAPI.SecurityEndpoint,
		},
	}
}

// ProvisionVM brings up compute for a new VM. The API path is tried
// first under api/auto transport; the shell path runs a launch script
// when present, else the raw command sequence.
func (a *Adapter) ProvisionVM(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if err := netparse.EnsureSafeToken("vm_id", req.VMID); err != nil {
		return nil, errdefs.InvalidArgument("%v", err)
	}
	if err := netparse.EnsureSafeToken("region", strings.ReplaceAll(req.Region, " ", "-")); err != nil {
		return nil, errdefs.InvalidArgument("%v", err)
	}

	rootfs := a.resolveRootfs(req.BaseImage)
	tapDev := netparse.SafeIfaceName(a.scripts.TapPrefix, req.VMID)
	namespace := a.scripts.NamespacePrefix + netparse.Slug(req.VMID)
	var fallbackRuns []runner.CommandRun

	tryAPI, err := a.shouldTryAPI(a.vmAPI)
	if err != nil {
		return nil, err
	}
	if tryAPI {
		payload := map[string]any{
			"vm_id":       req.VMID,
			"region":      req.Region,
			"ram_mb":      req.RAMMB,
			"cpu_cores":   req.CPUCores,
			"kernel_path": a.scripts.KernelPath,
			"rootfs_path": rootfs,
			"tap_device":  tapDev,
			"namespace":   namespace,
		}
		data, apiRun, err := a.vmAPI.call(ctx, http.MethodPost, a.vmEndpoints["create"], payload)
		if err == nil {
			return &ProvisionResult{
				PublicIP:  asString(data["public_ip"], netparse.DerivePublicIP(req.VMID)),
				Provider:  asString(data["provider"], "AutoProvisioned"),
				LatencyMs: asInt(data["latency_ms"], netparse.EstimateLatencyMs(req.Region)),
				ExitNode:  asString(data["exit_node"], netparse.ShortCode(req.Region)+"-edge-01"),
				Runs:      []runner.CommandRun{apiRun},
			}, nil
		}
		if !a.allowShellFallback() {
			return nil, err
		}
		a.logger.Warn("vm API provision failed, falling back to shell",
			zap.String("vm_id", req.VMID), zap.Error(err))
		fallbackRuns = append(fallbackRuns, apiFailureRun("vm", a.vmEndpoints["create"], err))
	}

	runs, err := a.runScriptIfAvailable(ctx, a.scripts.VMLaunch,
		req.VMID, a.scripts.KernelPath, rootfs, strconv.Itoa(req.RAMMB), strconv.Itoa(req.CPUCores), tapDev, namespace)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		extraVars := mustJSON(map[string]any{
			"action":     "provision",
			"vm_id":      req.VMID,
			"region":     req.Region,
			"tap_device": tapDev,
			"namespace":  namespace,
		})
		sequence := [][]string{
			{"ansible-playbook", a.scripts.VMPlaybook, "--extra-vars", extraVars},
			{"ip", "netns", "add", namespace},
			{"ip", "tuntap", "add", "dev", tapDev, "mode", "tap"},
			{"ip", "link", "set", tapDev, "up"},
			{"firectl", "--id", req.VMID, "--kernel", a.scripts.KernelPath, "--root-drive", rootfs,
				"--memory", strconv.Itoa(req.RAMMB), "--ncpus", strconv.Itoa(req.CPUCores), "--tap-device", tapDev},
		}
		for _, argv := range sequence {
			run, err := a.runner.Run(ctx, argv...)
			if err != nil {
				return nil, err
			}
			runs = append(runs, run)
		}
	}

	runs = append(fallbackRuns, runs...)
	publicIP, found := firstGlobalIPv4(runs)
	if !found {
		publicIP = netparse.DerivePublicIP(req.VMID)
	}

	return &ProvisionResult{
		PublicIP:  publicIP,
		Provider:  netparse.DetectProvider(joinCommands(runs)),
		LatencyMs: netparse.EstimateLatencyMs(req.Region),
		ExitNode:  netparse.ShortCode(req.Region) + "-edge-01",
		Runs:      runs,
	}, nil
}

// StopVM tears down a VM's workload without releasing its resources.
func (a *Adapter) StopVM(ctx context.Context, vmID string) ([]runner.CommandRun, error) {
	return a.vmAction(ctx, vmID, "stop", a.scripts.VMStop, nil)
}

// RestartVM bounces a VM.
func (a *Adapter) RestartVM(ctx context.Context, vmID string) ([]runner.CommandRun, error) {
	return a.vmAction(ctx, vmID, "restart", a.scripts.VMRestart, nil)
}

// DeleteVM releases a VM's compute and network plumbing.
func (a *Adapter) DeleteVM(ctx context.Context, vmID string) ([]runner.CommandRun, error) {
	tapDev := netparse.SafeIfaceName(a.scripts.TapPrefix, vmID)
	namespace := a.scripts.NamespacePrefix + netparse.Slug(vmID)
	teardown := [][]string{
		{"ip", "link", "delete", tapDev},
		{"ip", "netns", "delete", namespace},
	}
	return a.vmAction(ctx, vmID, "delete", a.scripts.VMDelete, teardown, tapDev, namespace)
}

// vmAction runs one stop/restart/delete intent: API first under
// api/auto, then the action script, then the playbook plus any extra
// teardown commands.
func (a *Adapter) vmAction(ctx context.Context, vmID, action, script string, extra [][]string, scriptArgs ...string) ([]runner.CommandRun, error) {
	if err := netparse.EnsureSafeToken("vm_id", vmID); err != nil {
		return nil, errdefs.InvalidArgument("%v", err)
	}
	var fallbackRuns []runner.CommandRun

	tryAPI, err := a.shouldTryAPI(a.vmAPI)
	if err != nil {
		return nil, err
	}
	if tryAPI {
		payload := map[string]any{"vm_id": vmID}
		if action == "delete" {
			payload["tap_device"] = netparse.SafeIfaceName(a.scripts.TapPrefix, vmID)
			payload["namespace"] = a.scripts.NamespacePrefix + netparse.Slug(vmID)
		}
		_, apiRun, err := a.vmAPI.call(ctx, http.MethodPost, a.vmEndpoints[action], payload)
		if err == nil {
			return []runner.CommandRun{apiRun}, nil
		}
		if !a.allowShellFallback() {
			return nil, err
		}
		a.logger.Warn("vm API action failed, falling back to shell",
			zap.String("vm_id", vmID), zap.String("action", action), zap.Error(err))
		fallbackRuns = append(fallbackRuns, apiFailureRun("vm", a.vmEndpoints[action], err))
	}

	runs, err := a.runScriptIfAvailable(ctx, script, append([]string{vmID}, scriptArgs...)...)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		return append(fallbackRuns, runs...), nil
	}

	playbookRun, err := a.runner.Run(ctx, "ansible-playbook", a.scripts.VMPlaybook,
		"--extra-vars", mustJSON(map[string]any{"action": action, "vm_id": vmID}))
	if err != nil {
		return nil, err
	}
	runs = append(fallbackRuns, playbookRun)
	for _, argv := range extra {
		run, err := a.runner.Run(ctx, argv...)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// RotateTunnel points a VM's egress at a fresh address.
func (a *Adapter) RotateTunnel(ctx context.Context, vmID, tunnelID, region string) (*RotationResult, error) {
	if err := netparse.EnsureSafeToken("vm_id", vmID); err != nil {
		return nil, errdefs.InvalidArgument("%v", err)
	}
	if err := netparse.EnsureSafeToken("tunnel_id", tunnelID); err != nil {
		return nil, errdefs.InvalidArgument("%v", err)
	}
	var fallbackRuns []runner.CommandRun

	tryAPI, err := a.shouldTryAPI(a.proxyAPI)
	if err != nil {
		return nil, err
	}
	if tryAPI {
		payload := map[string]any{"vm_id": vmID, "tunnel_id": tunnelID, "region": region}
		data, apiRun, err := a.proxyAPI.call(ctx, http.MethodPost, a.proxyEndpoints["rotate"], payload)
		if err == nil {
			return &RotationResult{
				PublicIP:  asString(data["public_ip"], netparse.DerivePublicIP(vmID+":"+tunnelID)),
				LatencyMs: asInt(data["latency_ms"], rotationLatency(region)),
				ASN:       asString(data["asn"], randomASN()),
				Runs:      []runner.CommandRun{apiRun},
			}, nil
		}
		if !a.allowShellFallback() {
			return nil, err
		}
		a.logger.Warn("proxy API rotation failed, falling back to shell",
			zap.String("vm_id", vmID), zap.String("tunnel_id", tunnelID), zap.Error(err))
		fallbackRuns = append(fallbackRuns, apiFailureRun("proxy", a.proxyEndpoints["rotate"], err))
	}

	runs, err := a.runScriptIfAvailable(ctx, a.scripts.TunnelRotate, vmID, tunnelID, region)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		playbookRun, err := a.runner.Run(ctx, "ansible-playbook", a.scripts.WGPlaybook,
			"--extra-vars", mustJSON(map[string]any{"action": "rotate", "vm_id": vmID, "tunnel_id": tunnelID}))
		if err != nil {
			return nil, err
		}
		showRun, err := a.runner.Run(ctx, "wg", "show")
		if err != nil {
			return nil, err
		}
		runs = []runner.CommandRun{playbookRun, showRun}
	}

	runs = append(fallbackRuns, runs...)
	publicIP, found := firstGlobalIPv4(runs)
	if !found {
		publicIP = netparse.DerivePublicIP(vmID + ":" + tunnelID)
	}
	return &RotationResult{
		PublicIP:  publicIP,
		LatencyMs: rotationLatency(region),
		ASN:       randomASN(),
		Runs:      runs,
	}, nil
}

// RegisterTunnel records an externally provisioned egress host.
func (a *Adapter) RegisterTunnel(ctx context.Context, region, ip, provider string) ([]runner.CommandRun, error) {
	if _, err := netip.ParseAddr(ip); err != nil {
		return nil, errdefs.InvalidArgument("invalid tunnel address %q", ip)
	}
	if err := netparse.EnsureSafeToken("provider", strings.ReplaceAll(provider, " ", "-")); err != nil {
		return nil, errdefs.InvalidArgument("%v", err)
	}
	var fallbackRuns []runner.CommandRun

	tryAPI, err := a.shouldTryAPI(a.proxyAPI)
	if err != nil {
		return nil, err
	}
	if tryAPI {
		payload := map[string]any{"region": region, "ip": ip, "provider": provider}
		_, apiRun, err := a.proxyAPI.call(ctx, http.MethodPost, a.proxyEndpoints["register"], payload)
		if err == nil {
			return []runner.CommandRun{apiRun}, nil
		}
		if !a.allowShellFallback() {
			return nil, err
		}
		fallbackRuns = append(fallbackRuns, apiFailureRun("proxy", a.proxyEndpoints["register"], err))
	}

	runs, err := a.runScriptIfAvailable(ctx, a.scripts.TunnelRegister, region, ip, provider)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		return append(fallbackRuns, runs...), nil
	}
	playbookRun, err := a.runner.Run(ctx, "ansible-playbook", a.scripts.WGPlaybook,
		"--extra-vars", mustJSON(map[string]any{"action": "register", "region": region, "ip": ip, "provider": provider}))
	if err != nil {
		return nil, err
	}
	showRun, err := a.runner.Run(ctx, "wg", "show")
	if err != nil {
		return nil, err
	}
	return append(fallbackRuns, playbookRun, showRun), nil
}

// CollectSecuritySnapshot gathers namespaces, route table/device pairs,
// and firewall ruleset presence, from the remote API or local commands.
func (a *Adapter) CollectSecuritySnapshot(ctx context.Context) (*SecuritySnapshot, error) {
	var fallbackRuns []runner.CommandRun

	tryAPI, err := a.shouldTryAPI(a.proxyAPI)
	if err != nil {
		return nil, err
	}
	if tryAPI {
		data, apiRun, err := a.proxyAPI.call(ctx, http.MethodGet, a.proxyEndpoints["security"], nil)
		if err == nil {
			return &SecuritySnapshot{
				Namespaces:     asStringSlice(data["namespaces"]),
				RoutingTables:  routeEntriesFromAPI(data["routing_tables"]),
				FirewallStatus: asString(data["nftables_status"], "Unknown"),
				Runs:           []runner.CommandRun{apiRun},
			}, nil
		}
		if !a.allowShellFallback() {
			return nil, err
		}
		fallbackRuns = append(fallbackRuns, apiFailureRun("proxy", a.proxyEndpoints["security"], err))
	}

	nsRun, err := a.runner.Run(ctx, "ip", "netns", "list")
	if err != nil {
		return nil, err
	}
	routesRun, err := a.runner.Run(ctx, "ip", "-j", "route", "show", "table", "all")
	if err != nil {
		return nil, err
	}
	nftRun, err := a.runner.Run(ctx, "nft", "list", "ruleset")
	if err != nil {
		return nil, err
	}

	var namespaces []string
	var routes []netparse.RouteEntry
	if !nsRun.Simulated {
		namespaces = netparse.ParseNamespaces(nsRun.Stdout)
	}
	if !routesRun.Simulated {
		routes = netparse.ParseRoutingTables(routesRun.Stdout)
	}

	firewall := "Inactive/Warning"
	switch {
	case nftRun.Simulated:
		firewall = "Simulated/Secure"
	case strings.Contains(strings.ToLower(nftRun.Stdout), "table"):
		firewall = "Active/Secure"
	}

	return &SecuritySnapshot{
		Namespaces:     namespaces,
		RoutingTables:  routes,
		FirewallStatus: firewall,
		Runs:           append(fallbackRuns, nsRun, routesRun, nftRun),
	}, nil
}

// shouldTryAPI decides whether the API path runs first for a domain.
// Under api transport an unconfigured base URL is a hard error; under
// auto it just means shell.
func (a *Adapter) shouldTryAPI(client *apiClient) (bool, error) {
	if a.transport == config.TransportShell {
		return false, nil
	}
	if client.configured() {
		return true, nil
	}
	if a.transport == config.TransportAPI {
		return false, errdefs.Unavailable("%s API base URL is not configured", client.domain)
	}
	return false, nil
}

// allowShellFallback: api transport never falls back; strict mode and
// the config switch both disable it under auto.
func (a *Adapter) allowShellFallback() bool {
	if a.transport == config.TransportShell {
		return true
	}
	if a.transport == config.TransportAPI {
		return false
	}
	if a.runner.Mode() == config.ModeStrict {
		return false
	}
	return a.fallback
}

func (a *Adapter) resolveRootfs(baseImage string) string {
	if filepath.IsAbs(baseImage) {
		return baseImage
	}
	if strings.ContainsRune(baseImage, os.PathSeparator) {
		return filepath.Join(a.workdir, baseImage)
	}
	return filepath.Join(a.scripts.RootfsDir, baseImage)
}

// runScriptIfAvailable runs a bash wrapper script when it exists inside
// the workdir; a missing script means the caller falls back to raw
// commands.
func (a *Adapter) runScriptIfAvailable(ctx context.Context, scriptPath string, args ...string) ([]runner.CommandRun, error) {
	script := scriptPath
	if !filepath.IsAbs(script) {
		script = filepath.Join(a.workdir, script)
	}
	info, err := os.Stat(script)
	if err != nil || info.IsDir() {
		return nil, nil
	}
	absWorkdir, err := filepath.Abs(a.workdir)
	if err != nil {
		return nil, errdefs.Internal("resolve workdir: %v", err)
	}
	absScript, err := filepath.Abs(script)
	if err != nil || !strings.HasPrefix(absScript, absWorkdir+string(os.PathSeparator)) {
		return nil, errdefs.InvalidArgument("script path %q must stay inside the workdir", scriptPath)
	}
	run, err := a.runner.Run(ctx, append([]string{"bash", absScript}, args...)...)
	if err != nil {
		return nil, err
	}
	return []runner.CommandRun{run}, nil
}

func firstGlobalIPv4(runs []runner.CommandRun) (string, bool) {
	for _, run := range runs {
		if ip, ok := netparse.FirstGlobalIPv4(run.Stdout + "\n" + run.Stderr); ok {
			return ip, true
		}
	}
	return "", false
}

func joinCommands(runs []runner.CommandRun) string {
	parts := make([]string, 0, len(runs))
	for _, run := range runs {
		parts = append(parts, strings.Join(run.Command, " "))
	}
	return strings.Join(parts, " ")
}

func rotationLatency(region string) int {
	latency := netparse.EstimateLatencyMs(region) + rand.Intn(36) - 15
	if latency < 20 {
		latency = 20
	}
	return latency
}

func randomASN() string {
	return fmt.Sprintf("AS%d", 10000+rand.Intn(90000))
}

func routeEntriesFromAPI(value any) []netparse.RouteEntry {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	var entries []netparse.RouteEntry
	for _, item := range list {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		dev := asString(row["dev"], "")
		if dev == "" {
			continue
		}
		entries = append(entries, netparse.RouteEntry{Table: asString(row["table"], "main"), Dev: dev})
	}
	return entries
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

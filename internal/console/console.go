// Package console implements the operator REPL (§6 "Operator console"):
// a line-oriented prompt with ASCII-table output. Grounded on the
// teacher's cmd/slctl command-dispatch switch (cmd/slctl/main.go) and
// its text/tabwriter table printers (cmd/slctl/system_status.go,
// cmd/slctl/client.go), adapted from a one-shot CLI into a persistent
// REPL since the spec names a standing `registry> ` prompt rather than
// subcommand invocations.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fulcrum-net/registry-service/internal/bus"
	"github.com/fulcrum-net/registry-service/internal/catalog"
	"github.com/fulcrum-net/registry-service/internal/identity"
	"github.com/fulcrum-net/registry-service/internal/model"
	"github.com/fulcrum-net/registry-service/internal/provisioning"
	"github.com/fulcrum-net/registry-service/internal/registry"
	"github.com/fulcrum-net/registry-service/internal/routing"
	"github.com/fulcrum-net/registry-service/internal/shutdown"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

const prompt = "registry> "
const pageSize = 20

// PromptWriter reprints the active prompt after every asynchronous write
// (typically a log line) so the operator's cursor is never left
// orphaned mid-line. Install it as the logger's output while the
// console is running.
type PromptWriter struct {
	mu         sync.Mutex
	underlying io.Writer
	prompt     string
}

// NewPromptWriter wraps underlying (usually os.Stdout).
func NewPromptWriter(underlying io.Writer) *PromptWriter {
	return &PromptWriter{underlying: underlying}
}

// SetPrompt updates the line reprinted after each write.
func (p *PromptWriter) SetPrompt(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompt = s
}

// Write implements io.Writer, appending the current prompt after data.
func (p *PromptWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.underlying.Write(b)
	if err == nil && p.prompt != "" {
		fmt.Fprint(p.underlying, p.prompt)
	}
	return n, err
}

// Console is the operator REPL.
type Console struct {
	proxies      *registry.ProxyRegistry
	backends     *registry.BackendRegistry
	allocator    *identity.Allocator
	catalog      *catalog.Catalog
	routingSvc   *routing.Service
	provSvc      *provisioning.Service
	shutdownMgr  *shutdown.Manager
	bus          *bus.Bus
	log          *logrus.Entry
	out          io.Writer
	startedAt    time.Time
	debugEnabled bool
	stop         chan struct{}
	onStop       func()
}

// OnStop registers a callback invoked when the operator issues "stop".
// Only the primary stdin console should wire this to process shutdown;
// remote-attach sessions (see remote.go) leave it nil so disconnecting a
// secondary session never takes the whole registry down.
func (c *Console) OnStop(fn func()) {
	c.onStop = fn
}

// Deps bundles the components the console can introspect or drive.
type Deps struct {
	Proxies     *registry.ProxyRegistry
	Backends    *registry.BackendRegistry
	Allocator   *identity.Allocator
	Catalog     *catalog.Catalog
	Routing     *routing.Service
	Provisioning *provisioning.Service
	Shutdown    *shutdown.Manager
	Bus         *bus.Bus
}

// New constructs a console over the registry's core components.
func New(d Deps, log *logrus.Entry, out io.Writer) *Console {
	return &Console{
		proxies:     d.Proxies,
		backends:    d.Backends,
		allocator:   d.Allocator,
		catalog:     d.Catalog,
		routingSvc:  d.Routing,
		provSvc:     d.Provisioning,
		shutdownMgr: d.Shutdown,
		bus:         d.Bus,
		log:         log,
		out:         out,
		startedAt:   time.Now(),
		stop:        make(chan struct{}),
	}
}

// Run reads lines from in until "stop" is issued or in is exhausted.
func (c *Console) Run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(c.out, prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			c.dispatch(ctx, line)
		}
		select {
		case <-c.stop:
			return
		default:
		}
		fmt.Fprint(c.out, prompt)
	}
}

func (c *Console) dispatch(ctx context.Context, line string) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		c.printHelp()
	case "stop":
		fmt.Fprintln(c.out, "stopping...")
		close(c.stop)
		if c.onStop != nil {
			c.onStop()
		}
	case "status":
		c.printStatus()
	case "clear":
		fmt.Fprint(c.out, "\033[H\033[2J")
	case "debug":
		c.debugEnabled = !c.debugEnabled
		if c.debugEnabled {
			c.log.Logger.SetLevel(logrus.DebugLevel)
		} else {
			c.log.Logger.SetLevel(logrus.InfoLevel)
		}
		fmt.Fprintf(c.out, "debug logging: %v\n", c.debugEnabled)
	case "reload":
		fmt.Fprintln(c.out, "reload: configuration is re-read on next restart (no hot-reload of active registrations)")
	case "reregister":
		c.bus.Broadcast(ctx, bus.ChanReregistrationRequest, "ReregistrationRequest", map[string]string{}, "")
		fmt.Fprintln(c.out, "reregistration broadcast sent")
	case "proxyregistry":
		c.printProxies(c.proxies.ListAll())
	case "backendregistry":
		c.printBackends(c.backends.ListAll())
	case "ls":
		c.printLs(args)
	case "locateplayer":
		c.cmdLocate(ctx, args)
	case "provisionslot":
		c.cmdProvision(ctx, args)
	case "provisionminigame":
		c.cmdProvisionMinigame(ctx, args)
	case "shutdown":
		c.cmdShutdown(ctx, args)
	case "evacuate":
		c.cmdEvacuate(ctx, args)
	default:
		fmt.Fprintf(c.out, "unknown command %q (try 'help')\n", cmd)
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `commands:
  help                                            show this text
  stop                                            stop the console
  status                                          process status (cpu/mem/uptime)
  clear                                           clear the screen
  debug                                           toggle debug logging
  reload                                          reload configuration
  reregister                                      broadcast a reregistration request
  proxyregistry                                   list registered proxies
  backendregistry                                 list registered backends
  ls [page]                                       list all nodes, paged
  locateplayer <uuid|name>                        locate a player
  provisionslot <family> <variant> <count>        provision slot capacity
  provisionminigame <family> <count>              provision a minigame family (no variant)
  shutdown all <seconds> [--reason r] [--force]   shut down the whole fleet
  shutdown family <env> <seconds> [...]           shut down backends serving family <env>
  shutdown service <id> <seconds> [...]           shut down one node
  shutdown cancel <intentId>                      cancel a pending shutdown intent
  evacuate {all|family <env>|service <id>}        begin evacuation without a shutdown countdown`)
}

func (c *Console) printStatus() {
	w := tabwriter.NewWriter(c.out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "uptime\t%s\n", time.Since(c.startedAt).Round(time.Second))
	fmt.Fprintf(w, "proxies\t%d\n", c.allocator.InUseCount(identity.KindProxy))
	fmt.Fprintf(w, "backends\t%d\n", c.allocator.InUseCount(identity.KindBackend))

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fmt.Fprintf(w, "cpu\t%.1f%%\n", pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(w, "mem\t%.1f%% used (%d/%d MB)\n", vm.UsedPercent, vm.Used/1024/1024, vm.Total/1024/1024)
	}
	if info, err := host.Info(); err == nil {
		fmt.Fprintf(w, "host-uptime\t%ds\n", info.Uptime)
	}
	w.Flush()
}

func (c *Console) printProxies(recs []model.ProxyRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID.String() < recs[j].ID.String() })
	w := tabwriter.NewWriter(c.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tSTATUS\tLAST HEARTBEAT")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\n", r.ID.String(), r.Address, r.Port, r.Status, r.LastHeartbeat.Format(time.RFC3339))
	}
	w.Flush()
}

func (c *Console) printBackends(recs []model.BackendRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID.String() < recs[j].ID.String() })
	w := tabwriter.NewWriter(c.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tADDRESS\tSTATUS\tPLAYERS\tTPS")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\t%d/%d\t%.1f\n", r.ID.String(), r.ServerType, r.Address, r.Port, r.Status, r.PlayerCount, r.MaxCapacity, r.TPS)
	}
	w.Flush()
}

func (c *Console) printLs(args []string) {
	page := 1
	if len(args) > 0 {
		if p, err := strconv.Atoi(args[0]); err == nil && p > 0 {
			page = p
		}
	}

	var rows []string
	for _, r := range c.proxies.ListAll() {
		rows = append(rows, fmt.Sprintf("%s\tproxy\t%s:%d\t%s", r.ID.String(), r.Address, r.Port, r.Status))
	}
	for _, r := range c.backends.ListAll() {
		rows = append(rows, fmt.Sprintf("%s\tbackend\t%s:%d\t%s", r.ID.String(), r.Address, r.Port, r.Status))
	}
	sort.Strings(rows)

	start := (page - 1) * pageSize
	if start >= len(rows) {
		fmt.Fprintf(c.out, "page %d is out of range (%d total entries)\n", page, len(rows))
		return
	}
	end := start + pageSize
	if end > len(rows) {
		end = len(rows)
	}

	w := tabwriter.NewWriter(c.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tADDRESS\tSTATUS")
	for _, row := range rows[start:end] {
		fmt.Fprintln(w, row)
	}
	w.Flush()
	fmt.Fprintf(c.out, "page %d/%d\n", page, (len(rows)+pageSize-1)/pageSize)
}

func (c *Console) cmdLocate(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "usage: locateplayer <uuid|name>")
		return
	}
	res, err := c.routingSvc.Locate(ctx, args[0])
	if err != nil {
		fmt.Fprintf(c.out, "locate error: %v\n", err)
		return
	}
	if !res.Found {
		fmt.Fprintln(c.out, "not found")
		return
	}
	fmt.Fprintf(c.out, "found: server=%s slot=%s family=%s proxy=%s\n", res.ServerID, res.SlotSuffix, res.FamilyID, res.ProxyID)
}

func (c *Console) cmdProvision(ctx context.Context, args []string) {
	if len(args) < 3 {
		fmt.Fprintln(c.out, "usage: provisionslot <family> <variant> <count>")
		return
	}
	count, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Fprintln(c.out, "count must be an integer")
		return
	}
	result := c.provSvc.Provision(ctx, model.ProvisionRequest{
		FamilyID: args[0], VariantID: args[1], DesiredCount: count, RequesterID: "operator-console",
	})
	fmt.Fprintf(c.out, "status=%s token=%s slots=%d reason=%s\n", result.Status, result.ReservationToken, len(result.Slots), result.Reason)
}

func (c *Console) cmdProvisionMinigame(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "usage: provisionminigame <family> <count>")
		return
	}
	count, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintln(c.out, "count must be an integer")
		return
	}
	result := c.provSvc.Provision(ctx, model.ProvisionRequest{
		FamilyID: args[0], DesiredCount: count, RequesterID: "operator-console",
	})
	fmt.Fprintf(c.out, "status=%s token=%s slots=%d reason=%s\n", result.Status, result.ReservationToken, len(result.Slots), result.Reason)
}

func (c *Console) cmdShutdown(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "usage: shutdown {all|family <env>|service <id>|cancel <intentId>} <seconds> [--reason r] [--force]")
		return
	}

	if args[0] == "cancel" {
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: shutdown cancel <intentId>")
			return
		}
		if err := c.shutdownMgr.CancelIntent(ctx, args[1], "operator-console"); err != nil {
			fmt.Fprintf(c.out, "cancel error: %v\n", err)
			return
		}
		fmt.Fprintln(c.out, "cancelled")
		return
	}

	targets, rest, ok := c.resolveShutdownTargets(args, "shutdown")
	if !ok {
		return
	}

	if len(rest) < 1 {
		fmt.Fprintln(c.out, "missing countdown seconds")
		return
	}
	seconds, err := strconv.Atoi(rest[0])
	if err != nil {
		fmt.Fprintln(c.out, "countdown seconds must be an integer")
		return
	}

	reason := ""
	force := false
	for i := 1; i < len(rest); i++ {
		switch rest[i] {
		case "--reason":
			if i+1 < len(rest) {
				reason = rest[i+1]
				i++
			}
		case "--force":
			force = true
		}
	}

	id, err := c.shutdownMgr.CreateIntent(ctx, targets, seconds, reason, force)
	if err != nil {
		fmt.Fprintf(c.out, "shutdown error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "shutdown intent %s scheduled for %d target(s) in %ds\n", id, len(targets), seconds)
}

// resolveShutdownTargets resolves the all|family|service target selector
// shared by the shutdown and evacuate commands. rest holds the argument
// tail after the selector. ok is false when usage was already printed.
func (c *Console) resolveShutdownTargets(args []string, cmdName string) (targets []model.ShutdownTarget, rest []string, ok bool) {
	switch args[0] {
	case "all":
		for _, r := range c.proxies.ListAll() {
			targets = append(targets, model.ShutdownTarget{ID: r.ID.String(), Kind: model.TargetProxy})
		}
		for _, r := range c.backends.ListAll() {
			targets = append(targets, model.ShutdownTarget{ID: r.ID.String(), Kind: model.TargetBackend})
		}
		return targets, args[1:], true
	case "family":
		if len(args) < 2 {
			fmt.Fprintf(c.out, "usage: %s family <env> ...\n", cmdName)
			return nil, nil, false
		}
		env := args[1]
		for _, r := range c.backends.ListAll() {
			if _, ok := r.FamilyCapacities[env]; ok {
				targets = append(targets, model.ShutdownTarget{ID: r.ID.String(), Kind: model.TargetBackend})
			}
		}
		return targets, args[2:], true
	case "service":
		if len(args) < 2 {
			fmt.Fprintf(c.out, "usage: %s service <id> ...\n", cmdName)
			return nil, nil, false
		}
		id := args[1]
		kind := model.TargetBackend
		if parsed, err := identity.Parse(id); err == nil && parsed.Kind == identity.KindProxy {
			kind = model.TargetProxy
		}
		return []model.ShutdownTarget{{ID: id, Kind: kind}}, args[2:], true
	default:
		fmt.Fprintf(c.out, "unknown %s target %q\n", cmdName, args[0])
		return nil, nil, false
	}
}

// cmdEvacuate begins evacuation for targets without scheduling a
// shutdown countdown (§6, §4.K).
func (c *Console) cmdEvacuate(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "usage: evacuate {all|family <env>|service <id>}")
		return
	}

	targets, _, ok := c.resolveShutdownTargets(args, "evacuate")
	if !ok {
		return
	}
	if len(targets) == 0 {
		fmt.Fprintln(c.out, "no matching targets")
		return
	}

	c.shutdownMgr.Evacuate(ctx, targets)
	fmt.Fprintf(c.out, "evacuation requested for %d target(s)\n", len(targets))
}

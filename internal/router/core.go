// Package router implements the router core: it owns the message packet,
// computes the next stage from route and history, publishes to the next
// exchange, and implements branch, notify, abort, and retry. This is the
// hard part of the repository — see spec §4.3.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/sitorouter/sitorouter/internal/broker"
	"github.com/sitorouter/sitorouter/internal/config"
	"github.com/sitorouter/sitorouter/internal/dbpublish"
	"github.com/sitorouter/sitorouter/internal/delay"
	"github.com/sitorouter/sitorouter/internal/errs"
	"github.com/sitorouter/sitorouter/internal/external"
	"github.com/sitorouter/sitorouter/internal/logging"
	"github.com/sitorouter/sitorouter/internal/packet"
)

// Core holds the dependencies shared across every packet's thread of
// execution: the class registry, the broker, the delay scheduler, the
// DB-update publisher, and the macro/text collaborators. It is read-only
// after construction; all per-packet state lives on the *packet.Packet
// passed into each operation, which is the router's only in-process state.
type Core struct {
	Registry  *config.ClassRegistry
	Broker    broker.Adapter
	Delay     *delay.Scheduler
	DBPublish *dbpublish.Publisher
	Macro     external.MacroExpander
	Text      external.MessageTextSource
	Clock     delay.Clock
	Log       *slog.Logger
}

// NewCore wires a router Core from its collaborators.
func NewCore(reg *config.ClassRegistry, b broker.Adapter, d *delay.Scheduler, dbp *dbpublish.Publisher, macro external.MacroExpander, text external.MessageTextSource) *Core {
	clock := delay.SystemClock
	return &Core{
		Registry: reg, Broker: b, Delay: d, DBPublish: dbp,
		Macro: macro, Text: text, Clock: clock,
		Log: logging.With("router"),
	}
}

// PublishStart begins a flow on a work class, per spec §4.3.
func (c *Core) PublishStart(ctx context.Context, className string, cargo json.RawMessage, initial *packet.Settings) (*packet.Packet, error) {
	cls, ok := c.Registry.Get(className)
	if !ok {
		return nil, errs.New(errs.UnknownWorkClass, "unknown work class "+className)
	}
	if cls.Kind != config.KindWork {
		return nil, errs.New(errs.UnknownWorkClass, className+" is not a work class")
	}
	if len(cls.ProcessRoute) == 0 {
		return nil, errs.New(errs.NoProcessRoute, className+" has an empty process_route")
	}
	if cargo == nil {
		return nil, errs.New(errs.MissingInput, "cargo is required")
	}

	s := packet.Settings{
		ProcessRoute: append([]string(nil), cls.ProcessRoute...),
		History:      []string{},
		RouteArgs:    map[string]packet.PublishArgs{},
		PublishArgs:  map[string]packet.PublishArgs{},
		RetryReady:   false,
		RetryCount:   map[string]int{},
		RetryHistory: map[string][]string{},
		AbortRoute:   append([]string(nil), cls.AbortRoute...),
	}
	if initial != nil {
		merged := initial.Clone()
		if len(merged.ProcessRoute) > 0 {
			s.ProcessRoute = merged.ProcessRoute
		}
		if merged.RecordID != "" {
			s.RecordID = merged.RecordID
		}
		if merged.BatchID != "" {
			s.BatchID = merged.BatchID
		}
		if merged.SystemID != "" {
			s.SystemID = merged.SystemID
		}
		if merged.UserID != "" {
			s.UserID = merged.UserID
		}
		if merged.TaskStart != 0 {
			s.TaskStart = merged.TaskStart
		}
		if merged.Extras != nil {
			s.Extras = merged.Extras
		}
	}
	if s.TaskStart == 0 {
		s.TaskStart = c.Clock.Now().Unix()
	}
	if len(s.AbortRoute) == 0 {
		s.AbortRoute = append([]string(nil), config.DefaultGlobalAbortRoute...)
	}

	pkt := &packet.Packet{Cargo: cargo, Settings: s}
	if err := c.PublishNext(ctx, pkt, 0); err != nil {
		return nil, err
	}
	return pkt, nil
}

// nextClassResult is the internal result of locating the next class.
type nextClassResult struct {
	class    string
	nextPos  int // index in route the next class sits at, -1 if terminal
	curPos   int // index in route the *current* (last executed) class sits at, -1 if history is empty
	terminal bool
}

// GetNextClass computes the class to publish next from history and route,
// per spec §4.3 steps 1-5, including the repeated-class (nH>1) case and the
// deterministic first-match tie-break.
func (c *Core) GetNextClass(history, route []string) (nextClassResult, error) {
	if len(history) == 0 {
		if len(route) == 0 {
			return nextClassResult{}, errs.New(errs.NoProcessRoute, "empty process_route")
		}
		return nextClassResult{class: route[0], nextPos: 0, curPos: -1}, nil
	}

	last := history[len(history)-1]
	nH := countOf(history, last)
	nR := countOf(route, last)

	if nH == 1 {
		idx := firstIndex(route, last)
		if idx == -1 {
			return nextClassResult{}, errs.New(errs.HistoryDriftedPastRoute, "class "+last+" not found in route")
		}
		if idx == len(route)-1 {
			return nextClassResult{terminal: true, nextPos: -1, curPos: idx}, nil
		}
		return nextClassResult{class: route[idx+1], nextPos: idx + 1, curPos: idx}, nil
	}

	if nR >= nH {
		curPos := len(history) - 1
		nextPos := len(history)
		if nextPos >= len(route) {
			return nextClassResult{terminal: true, nextPos: -1, curPos: curPos}, nil
		}
		return nextClassResult{class: route[nextPos], nextPos: nextPos, curPos: curPos}, nil
	}

	return nextClassResult{}, errs.New(errs.HistoryDriftedPastRoute, "history drifted past route for class "+last)
}

func countOf(list []string, v string) int {
	n := 0
	for _, s := range list {
		if s == v {
			n++
		}
	}
	return n
}

func firstIndex(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// resolvePublishArgs picks the publish parameters for a class, per spec
// §4.3: an explicit route_args entry wins verbatim, otherwise the class's
// own exchange/queue.
func resolvePublishArgs(pkt *packet.Packet, cls config.ClassConfig) packet.PublishArgs {
	if args, ok := pkt.Settings.RouteArgs[cls.Name]; ok {
		return args
	}
	return packet.PublishArgs{Exchange: cls.Exchange, RoutingKey: cls.Queue}
}

// macroBindings is "the router's own fields" that %%token%% resolves
// against: packet settings' scalar identifiers plus the parsed cargo
// under the "cargo" key, per spec §4.3.1.
func macroBindings(pkt *packet.Packet) map[string]any {
	b := map[string]any{
		"record_id": pkt.Settings.RecordID,
		"batch_id":  pkt.Settings.BatchID,
		"system_id": pkt.Settings.SystemID,
		"user_id":   pkt.Settings.UserID,
	}
	var cargo any
	if len(pkt.Cargo) > 0 {
		if err := json.Unmarshal(pkt.Cargo, &cargo); err == nil {
			b["cargo"] = cargo
		}
	}
	for k, v := range pkt.Settings.Extras {
		b[k] = v
	}
	return b
}

// expandMacros resolves a single %%token%% value exactly, per §4.3.1; any
// other string is returned unchanged (only exact matches are macros).
func (c *Core) expandMacros(ctx context.Context, value string, bindings map[string]any) string {
	token := macroToken(value)
	if token == "" {
		return value
	}
	expanded, err := c.Macro.Expand(ctx, token, bindings)
	if err != nil {
		c.Log.Warn("macro expansion failed, leaving token literal", "token", token, "err", err)
		return value
	}
	return expanded
}

func macroToken(value string) string {
	const marker = "%%"
	if len(value) < 4 || value[:2] != marker || value[len(value)-2:] != marker {
		return ""
	}
	return value[2 : len(value)-2]
}

var embeddedMacroPattern = regexp.MustCompile(`%%([A-Za-z0-9_]+)%%`)

// expandEmbeddedMacros resolves every %%token%% occurrence inside an
// arbitrary string (message text, unlike publish args, is free-form rather
// than an exact-match token), per spec §4.3.1 and §4.3's message-text
// composition step.
func (c *Core) expandEmbeddedMacros(ctx context.Context, text string, bindings map[string]any) string {
	return embeddedMacroPattern.ReplaceAllStringFunc(text, func(match string) string {
		token := match[2 : len(match)-2]
		expanded, err := c.Macro.Expand(ctx, token, bindings)
		if err != nil {
			c.Log.Warn("macro expansion failed, leaving token literal", "token", token, "err", err)
			return match
		}
		return expanded
	})
}

// PublishNext advances the packet one stage, per spec §4.3. delaySeconds<=0
// publishes immediately; delaySeconds>0 schedules a delayed redelivery
// unless it falls under the target class's min_delay threshold.
func (c *Core) PublishNext(ctx context.Context, pkt *packet.Packet, delaySeconds int) error {
	result, err := c.GetNextClass(pkt.Settings.History, pkt.Settings.ProcessRoute)
	if err != nil {
		return err
	}
	if result.terminal {
		c.Log.Info("normal end", "record_id", pkt.Settings.RecordID)
		return nil
	}

	cls, ok := c.Registry.Get(result.class)
	if !ok {
		return errs.New(errs.UnknownWorkClass, "no class config for "+result.class)
	}

	args := resolvePublishArgs(pkt, cls)
	bindings := macroBindings(pkt)
	args.Exchange = c.expandMacros(ctx, args.Exchange, bindings)
	args.RoutingKey = c.expandMacros(ctx, args.RoutingKey, bindings)

	pkt.Settings.History = append(pkt.Settings.History, result.class)

	body, err := packet.Encode(pkt, c.Registry.CargoKey, c.Registry.SettingsKey)
	if err != nil {
		return err
	}

	if delaySeconds > 0 && delaySeconds >= cls.MinDelay {
		return c.Delay.PublishDelayed(ctx, delay.Spec{
			ExpireDelta:    time.Duration(delaySeconds) * time.Second,
			TargetExchange: args.Exchange,
			TargetRoute:    args.RoutingKey,
			Payload:        body,
		})
	}
	return c.Broker.Publish(ctx, args.Exchange, args.RoutingKey, body)
}

// SetBranchClass inserts className immediately before the next class in
// the route, per spec §4.3. publishArgs, if given, is stored for that
// class's single upcoming hop only.
func (c *Core) SetBranchClass(pkt *packet.Packet, className string, publishArgs *packet.PublishArgs) error {
	result, err := c.GetNextClass(pkt.Settings.History, pkt.Settings.ProcessRoute)
	if err != nil {
		return err
	}
	insertAt := result.nextPos
	if result.terminal {
		insertAt = len(pkt.Settings.ProcessRoute)
	}

	route := pkt.Settings.ProcessRoute
	newRoute := make([]string, 0, len(route)+1)
	newRoute = append(newRoute, route[:insertAt]...)
	newRoute = append(newRoute, className)
	newRoute = append(newRoute, route[insertAt:]...)
	pkt.Settings.ProcessRoute = newRoute

	if publishArgs != nil {
		if pkt.Settings.RouteArgs == nil {
			pkt.Settings.RouteArgs = map[string]packet.PublishArgs{}
		}
		pkt.Settings.RouteArgs[className] = *publishArgs
	}
	return nil
}

// PublishNotify publishes to a notify class as a sidebar, inserting it
// into process_route at the current position first so the history-prefix
// invariant continues to hold, per spec §4.3. It does not tick retry_count
// (resolved Open Question, spec §9).
func (c *Core) PublishNotify(ctx context.Context, pkt *packet.Packet, className, routeKey string) error {
	cls, ok := c.Registry.Get(className)
	if !ok || cls.Kind != config.KindNotify {
		return errs.New(errs.UnknownNotifyClass, "unknown notify class "+className)
	}

	result, err := c.GetNextClass(pkt.Settings.History, pkt.Settings.ProcessRoute)
	if err != nil {
		return err
	}
	insertAt := result.nextPos
	if result.terminal {
		insertAt = len(pkt.Settings.ProcessRoute)
	}
	route := pkt.Settings.ProcessRoute
	newRoute := make([]string, 0, len(route)+1)
	newRoute = append(newRoute, route[:insertAt]...)
	newRoute = append(newRoute, className)
	newRoute = append(newRoute, route[insertAt:]...)
	pkt.Settings.ProcessRoute = newRoute

	args := packet.PublishArgs{Exchange: cls.Exchange, RoutingKey: cls.Queue}
	if routeKey != "" {
		args.RoutingKey = routeKey
	}
	bindings := macroBindings(pkt)
	args.Exchange = c.expandMacros(ctx, args.Exchange, bindings)
	args.RoutingKey = c.expandMacros(ctx, args.RoutingKey, bindings)

	pkt.Settings.History = append(pkt.Settings.History, className)

	body, err := packet.Encode(pkt, c.Registry.CargoKey, c.Registry.SettingsKey)
	if err != nil {
		return err
	}
	return c.Broker.Publish(ctx, args.Exchange, args.RoutingKey, body)
}

package router

import (
	"context"

	"github.com/sitorouter/sitorouter/internal/config"
	"github.com/sitorouter/sitorouter/internal/dbpublish"
	"github.com/sitorouter/sitorouter/internal/errs"
	"github.com/sitorouter/sitorouter/internal/packet"
)

// AbortOptions carries the parameters spec §4.3's publishAbort takes beyond
// the packet itself: which class just failed, how to describe the failure
// to a user, and the request-row fields the caller wants written alongside
// the retry/abort decision.
type AbortOptions struct {
	// ClassName names the class that just failed. If given, it must match
	// history's last entry (the class that just ran) — callers that don't
	// want the cross-check can leave it empty.
	ClassName string

	SitoReturn  *packet.SitoReturn
	MessageText string
	MessageName string

	RequestStatus string
	RequestCols   map[string]any
	RequestID     string
}

// currentClassPosition locates the route index of the class that was just
// published (history's last entry) so retry/abort can split the route
// around it. It reuses GetNextClass's own matching rule so the position it
// finds always agrees with what getNextClass would report next.
func (c *Core) currentClassPosition(history, route []string) (int, error) {
	result, err := c.GetNextClass(history, route)
	if err != nil {
		return 0, err
	}
	if result.curPos == -1 {
		return 0, errs.New(errs.MissingLastInRoute, "no class has executed yet")
	}
	return result.curPos, nil
}

// PublishAbort is called by a failing stage in place of PublishNext, per
// spec §4.3's retry/abort route surgery plus its message-text/request-status
// composition and request-row update.
//
// Retry path: when retry_ready is set and the failing class's retry budget
// (retry_max) has not been exhausted, the route becomes
// A ++ [Retry] ++ B where A is the route up to and including the failing
// class (already consumed) and B is the route from the failing class
// onward (so the failing class runs again right after Retry) with any
// earlier Retry markers filtered out. Abort path: the route becomes
// A ++ [Abort] ++ abort_route, discarding whatever of the original route
// remained. Either way, the user-visible message text and request_status
// are composed and the request row (and request_batch link, if any) is
// updated through the DB-update publisher before the packet moves on.
func (c *Core) PublishAbort(ctx context.Context, pkt *packet.Packet, opts AbortOptions) error {
	if len(pkt.Settings.History) == 0 {
		return errs.New(errs.OutOfSequence, "publishAbort called before any class executed")
	}
	failing := pkt.Settings.History[len(pkt.Settings.History)-1]
	if opts.ClassName != "" && opts.ClassName != failing {
		return errs.New(errs.OutOfSequence, "publishAbort class_name "+opts.ClassName+" does not match the class that just ran ("+failing+")")
	}
	fidx, err := c.currentClassPosition(pkt.Settings.History, pkt.Settings.ProcessRoute)
	if err != nil {
		return err
	}

	cls, clsKnown := c.Registry.Get(failing)
	retryMax := 0
	if clsKnown {
		retryMax = cls.RetryMax
	}
	retryCount := pkt.Settings.RetryCount[failing]

	pkt.Settings.SitoReturn = opts.SitoReturn
	pkt.Settings.RequestStatusDetail = c.composeMessageText(ctx, pkt, opts)

	isRetry := pkt.Settings.RetryReady && retryCount < retryMax

	delaySeconds := 0
	if isRetry {
		delaySeconds = c.retry(pkt, failing, fidx, cls)
	} else {
		c.abort(pkt, failing, fidx)
	}

	pkt.Settings.RequestStatus = composeRequestStatus(opts.RequestStatus, pkt.Settings.AbortStatus, isRetry)

	if err := c.DBPublish.PublishDBWithRequest(ctx, pkt, dbpublish.PublishRequestOptions{
		Caller:          "router.PublishAbort",
		RequestID:       opts.RequestID,
		ExtraColumns:    opts.RequestCols,
		RequestState:    pkt.Settings.RequestStatus,
		RequestSystemID: pkt.Settings.SystemID,
	}); err != nil {
		return err
	}

	return c.PublishNext(ctx, pkt, delaySeconds)
}

// composeMessageText builds the user-visible failure description, per spec
// §4.3: an explicit message_text (macro-expanded) wins; failing that, a
// message_name lookup (also macro-expanded); failing that, the structured
// sito_return description.
func (c *Core) composeMessageText(ctx context.Context, pkt *packet.Packet, opts AbortOptions) string {
	bindings := macroBindings(pkt)
	if opts.MessageText != "" {
		return c.expandEmbeddedMacros(ctx, opts.MessageText, bindings)
	}
	if opts.MessageName != "" {
		tmpl, err := c.Text.Lookup(ctx, opts.MessageName, bindings, pkt.Settings.SystemID, "", "")
		if err != nil {
			c.Log.Warn("message_name lookup failed, falling back to sito_return", "message_name", opts.MessageName, "err", err)
		} else {
			return c.expandEmbeddedMacros(ctx, tmpl, bindings)
		}
	}
	if opts.SitoReturn != nil {
		return opts.SitoReturn.Description
	}
	return ""
}

// composeRequestStatus picks settings.request_status per spec §4.3:
// explicit input wins, else the packet's own abort_status, else "ABORTED";
// a retry gets "_RETRY" appended so downstream readers can tell a
// transient failure from a terminal one.
func composeRequestStatus(explicit, abortStatus string, isRetry bool) string {
	status := explicit
	if status == "" {
		status = abortStatus
	}
	if status == "" {
		status = "ABORTED"
	}
	if isRetry {
		status += "_RETRY"
	}
	return status
}

// retry performs the route-surgery retry path and returns the redelivery
// delay in seconds.
func (c *Core) retry(pkt *packet.Packet, failing string, fidx int, cls config.ClassConfig) int {
	route := pkt.Settings.ProcessRoute
	a := append([]string(nil), route[:fidx+1]...)
	rest := filterOut(route[fidx:], packet.ClassRetry)

	newRoute := make([]string, 0, len(a)+1+len(rest))
	newRoute = append(newRoute, a...)
	newRoute = append(newRoute, packet.ClassRetry)
	newRoute = append(newRoute, rest...)
	pkt.Settings.ProcessRoute = newRoute

	pkt.Settings.History = append(pkt.Settings.History, packet.ClassRetry)

	if pkt.Settings.RetryCount == nil {
		pkt.Settings.RetryCount = map[string]int{}
	}
	pkt.Settings.RetryCount[failing]++
	if pkt.Settings.RetryHistory == nil {
		pkt.Settings.RetryHistory = map[string][]string{}
	}
	pkt.Settings.RetryHistory[failing] = append(pkt.Settings.RetryHistory[failing], packet.ClassRetry)
	pkt.Settings.RetryReady = false

	return cls.RetrySeconds
}

// abort performs the route-surgery abort path.
func (c *Core) abort(pkt *packet.Packet, failing string, fidx int) {
	route := pkt.Settings.ProcessRoute
	a := append([]string(nil), route[:fidx+1]...)

	abortRoute := pkt.Settings.AbortRoute
	if len(abortRoute) == 0 {
		abortRoute = append([]string(nil), config.DefaultGlobalAbortRoute...)
	}

	newRoute := make([]string, 0, len(a)+1+len(abortRoute))
	newRoute = append(newRoute, a...)
	newRoute = append(newRoute, packet.ClassAbort)
	newRoute = append(newRoute, abortRoute...)
	pkt.Settings.ProcessRoute = newRoute

	pkt.Settings.History = append(pkt.Settings.History, packet.ClassAbort)
	pkt.Settings.AbortStatus = "ABORTED"
}

func filterOut(list []string, value string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v == value {
			continue
		}
		out = append(out, v)
	}
	return out
}

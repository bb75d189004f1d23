// Package external declares the router's out-of-scope collaborator
// contracts (spec §6) plus minimal in-memory implementations for the two
// the router core calls directly (MacroExpander, MessageTextSource).
// SystemDirectory and TimeZoneService get only fixed-table/UTC fakes
// (StaticSystemDirectory, UTCTimeZoneService), with no real backing
// service.
package external

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sitorouter/sitorouter/internal/errs"
)

// MessageTextSource looks up templated message text by name.
type MessageTextSource interface {
	Lookup(ctx context.Context, name string, msgContext map[string]any, systemID, carrier, language string) (string, error)
}

// MacroExpander expands %%token%% bindings against a text template.
type MacroExpander interface {
	Expand(ctx context.Context, source string, bindings map[string]any) (string, error)
}

// SystemDirectory resolves a system id/name to its full identity.
type SystemDirectory interface {
	Lookup(ctx context.Context, systemID, systemName string) (SystemIdentity, error)
}

// SystemIdentity is what SystemDirectory.Lookup resolves to.
type SystemIdentity struct {
	SystemID   string
	SystemName string
	SystemCSC  string
}

// TimeZoneService maps and converts wall-clock times across zones.
type TimeZoneService interface {
	Map(ctx context.Context, epoch int64, zone string, granularity time.Duration) (int64, error)
	ConvertZone(ctx context.Context, t time.Time, fromTZ, toTZ string) (time.Time, error)
}

// ApiBridge issues out-of-band notifications for notify-class stages.
type ApiBridge interface {
	PostRequest(ctx context.Context, args map[string]any) error
}

// InMemoryTextSource is a static name->template table, sufficient for
// tests and for the example notify stage; a real deployment would swap
// this for whatever templating service owns message copy.
type InMemoryTextSource struct {
	Templates map[string]string
}

func (s *InMemoryTextSource) Lookup(ctx context.Context, name string, msgContext map[string]any, systemID, carrier, language string) (string, error) {
	tmpl, ok := s.Templates[name]
	if !ok {
		return "", errs.New(errs.StageError, "no message template named "+name)
	}
	return tmpl, nil
}

// SimpleMacroExpander implements the %%name%% substitution rule from spec
// §4.3.1: tokens resolve against bindings; non-scalar values serialize to
// JSON; unknown tokens are left untouched.
type SimpleMacroExpander struct{}

func (SimpleMacroExpander) Expand(ctx context.Context, source string, bindings map[string]any) (string, error) {
	v, ok := bindings[source]
	if !ok {
		return source, nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return source, errs.Wrap(errs.JSONEncodeError, "serialize macro binding "+source, err)
		}
		return string(b), nil
	}
}

// StaticSystemDirectory is a fixed-table SystemDirectory, for tests.
type StaticSystemDirectory struct {
	ByID map[string]SystemIdentity
}

func (d *StaticSystemDirectory) Lookup(ctx context.Context, systemID, systemName string) (SystemIdentity, error) {
	if id, ok := d.ByID[systemID]; ok {
		return id, nil
	}
	return SystemIdentity{}, errs.New(errs.StageError, "unknown system "+systemID)
}

// UTCTimeZoneService is a minimal TimeZoneService good enough for tests
// and for deployments that only ever deal in UTC.
type UTCTimeZoneService struct{}

func (UTCTimeZoneService) Map(ctx context.Context, epoch int64, zone string, granularity time.Duration) (int64, error) {
	if granularity <= 0 {
		return epoch, nil
	}
	g := int64(granularity.Seconds())
	return (epoch / g) * g, nil
}

func (UTCTimeZoneService) ConvertZone(ctx context.Context, t time.Time, fromTZ, toTZ string) (time.Time, error) {
	loc, err := time.LoadLocation(toTZ)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.TimeZoneInvalid, fmt.Sprintf("unknown zone %q", toTZ), err)
	}
	return t.In(loc), nil
}

// HTTPApiBridge posts notifications to a fixed base URL. It is the one
// illustrative concrete ApiBridge, grounded on the teacher's SES sender
// shape (a thin client interface around one outbound call). No stage or
// command in this module uses it.
type HTTPApiBridge struct {
	BaseURL string
	Poster  func(ctx context.Context, url string, body []byte) error
}

func (b *HTTPApiBridge) PostRequest(ctx context.Context, args map[string]any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return errs.Wrap(errs.JSONEncodeError, "marshal api bridge args", err)
	}
	if b.Poster == nil {
		return errs.New(errs.StageError, "HTTPApiBridge has no Poster configured")
	}
	return b.Poster(ctx, b.BaseURL, body)
}

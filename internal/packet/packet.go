// Package packet defines the MessagePacket: the single unit that flows
// end-to-end through the router (cargo + router-managed settings).
package packet

import (
	"encoding/json"

	"github.com/sitorouter/sitorouter/internal/errs"
)

// PublishArgs holds the broker parameters used to publish to one class:
// an exchange name and routing key, either of which may carry a %%macro%%
// token resolved against the router core's own fields before publish.
type PublishArgs struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// SitoReturn is the structured error attached to a packet on abort.
type SitoReturn struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Settings is the router-managed metadata portion of a packet. Known keys
// are typed fields; anything else round-trips through Extras.
type Settings struct {
	ProcessRoute []string `json:"process_route"`
	History      []string `json:"history"`

	RouteArgs   map[string]PublishArgs `json:"route_args,omitempty"`
	PublishArgs map[string]PublishArgs `json:"publish_args,omitempty"`

	RecordID  string `json:"record_id,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`
	TaskStart int64  `json:"task_start,omitempty"`

	RetryReady   bool             `json:"retry_ready"`
	RetryCount   map[string]int   `json:"retry_count,omitempty"`
	RetryHistory map[string][]string `json:"retry_history,omitempty"`

	SitoReturn *SitoReturn `json:"sito_return,omitempty"`

	RequestStatus       string `json:"request_status,omitempty"`
	RequestStatusDetail string `json:"request_status_detail,omitempty"`
	AbortStatus         string `json:"abort_status,omitempty"`
	AbortRoute          []string `json:"abort_route,omitempty"`

	SystemID string `json:"system_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	Extras map[string]any `json:"-"`
}

// Class name sentinels inserted into process_route/history during route
// surgery. These are not real ClassConfig entries.
const (
	ClassRetry = "Retry"
	ClassAbort = "Abort"
)

// Packet is the envelope threaded stage-to-stage.
type Packet struct {
	Cargo    json.RawMessage `json:"cargo"`
	Settings Settings        `json:"settings"`
}

// Encode serializes a packet using the configured top-level key names.
func Encode(p *Packet, cargoKey, settingsKey string) ([]byte, error) {
	settingsBytes, err := json.Marshal(p.Settings)
	if err != nil {
		return nil, errs.Wrap(errs.JSONEncodeError, "marshal settings", err)
	}
	var settingsMap map[string]any
	if err := json.Unmarshal(settingsBytes, &settingsMap); err != nil {
		return nil, errs.Wrap(errs.JSONEncodeError, "reflatten settings", err)
	}
	for k, v := range p.Settings.Extras {
		if _, exists := settingsMap[k]; !exists {
			settingsMap[k] = v
		}
	}

	out := map[string]any{
		cargoKey:    json.RawMessage(p.Cargo),
		settingsKey: settingsMap,
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, errs.Wrap(errs.JSONEncodeError, "marshal packet envelope", err)
	}
	return b, nil
}

// Decode parses a packet from its wire form using the configured top-level
// key names. Unknown settings keys are preserved in Extras.
func Decode(data []byte, cargoKey, settingsKey string) (*Packet, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errs.Wrap(errs.JSONDecodeError, "unmarshal packet envelope", err)
	}

	p := &Packet{}
	if raw, ok := envelope[cargoKey]; ok {
		p.Cargo = raw
	}

	settingsRaw, ok := envelope[settingsKey]
	if !ok {
		return p, nil
	}

	if err := json.Unmarshal(settingsRaw, &p.Settings); err != nil {
		return nil, errs.Wrap(errs.JSONDecodeError, "unmarshal settings", err)
	}

	var settingsMap map[string]json.RawMessage
	if err := json.Unmarshal(settingsRaw, &settingsMap); err != nil {
		return nil, errs.Wrap(errs.JSONDecodeError, "unmarshal settings as map", err)
	}
	known := knownSettingsKeys()
	extras := map[string]any{}
	for k, raw := range settingsMap {
		if known[k] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		extras[k] = v
	}
	if len(extras) > 0 {
		p.Settings.Extras = extras
	}

	return p, nil
}

func knownSettingsKeys() map[string]bool {
	return map[string]bool{
		"process_route": true, "history": true, "route_args": true,
		"publish_args": true, "record_id": true, "batch_id": true,
		"task_start": true, "retry_ready": true, "retry_count": true,
		"retry_history": true, "sito_return": true, "request_status": true,
		"request_status_detail": true, "abort_status": true, "abort_route": true,
		"system_id": true, "user_id": true,
	}
}

// Clone performs a deep-enough copy for the router's purposes: new slices
// and maps so mutating the clone never aliases the original.
func (s Settings) Clone() Settings {
	out := s
	out.ProcessRoute = append([]string(nil), s.ProcessRoute...)
	out.History = append([]string(nil), s.History...)
	out.AbortRoute = append([]string(nil), s.AbortRoute...)

	if s.RouteArgs != nil {
		out.RouteArgs = make(map[string]PublishArgs, len(s.RouteArgs))
		for k, v := range s.RouteArgs {
			out.RouteArgs[k] = v
		}
	}
	if s.PublishArgs != nil {
		out.PublishArgs = make(map[string]PublishArgs, len(s.PublishArgs))
		for k, v := range s.PublishArgs {
			out.PublishArgs[k] = v
		}
	}
	if s.RetryCount != nil {
		out.RetryCount = make(map[string]int, len(s.RetryCount))
		for k, v := range s.RetryCount {
			out.RetryCount[k] = v
		}
	}
	if s.RetryHistory != nil {
		out.RetryHistory = make(map[string][]string, len(s.RetryHistory))
		for k, v := range s.RetryHistory {
			out.RetryHistory[k] = append([]string(nil), v...)
		}
	}
	if s.Extras != nil {
		out.Extras = make(map[string]any, len(s.Extras))
		for k, v := range s.Extras {
			out.Extras[k] = v
		}
	}
	return out
}

package rpc

// Request is the JSON-RPC-style envelope the control contract (spec.md §6)
// decodes: a method name and a parameter object specific to that method.
type Request struct {
	Method string `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// Response carries either Result (success) or Error (failure), mirroring
// spec.md §6's "success path returning a boolean true or a result object,
// and an error path returning a numeric code and a message."
type Response struct {
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ArrayListParams is array.list's parameter object.
type ArrayListParams struct {
	Category string `json:"category"`
}

// SlotSummary is one entry in ArraySummary.Slots.
type SlotSummary struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	DataOffset uint64 `json:"data_offset"`
	DataSize   uint64 `json:"data_size"`
}

// ArraySummary is the result shape for array.list, deep-copied off the live
// Array so callers never observe a lock-protected struct mutating under
// them (spec.md §6, DESIGN.md jinzhu/copier entry).
type ArraySummary struct {
	UUID        string        `json:"uuid"`
	Name        string        `json:"name"`
	State       string        `json:"state"`
	Level       string        `json:"level"`
	StripSizeKB uint64        `json:"strip_size_kb"`
	Slots       []SlotSummary `json:"slots"`
}

// ArrayCreateParams is array.create's parameter object.
type ArrayCreateParams struct {
	Name        string   `json:"name"`
	StripSizeKB uint64   `json:"strip_size_kb"`
	RaidLevel   string   `json:"raid_level"`
	BaseBdevs   []string `json:"base_bdevs"`
	UUID        string   `json:"uuid,omitempty"`
	Superblock  *bool    `json:"superblock,omitempty"`
	DeltaBitmap bool     `json:"delta_bitmap,omitempty"`
}

// ArrayDeleteParams is array.delete's parameter object.
type ArrayDeleteParams struct {
	Name string `json:"name"`
}

// ArrayAddSlotParams is array.add_slot's parameter object.
type ArrayAddSlotParams struct {
	RaidBdev string `json:"raid_bdev"`
	BaseBdev string `json:"base_bdev"`
}

// ArrayRemoveSlotParams is array.remove_slot's parameter object.
type ArrayRemoveSlotParams struct {
	Name string `json:"name"`
}

// ArrayGrowParams is array.grow's parameter object.
type ArrayGrowParams struct {
	RaidName string `json:"raid_name"`
	BaseName string `json:"base_name"`
}

// ArraySetOptionsParams is array.set_options's parameter object.
type ArraySetOptionsParams struct {
	ProcessWindowSizeKB        *uint64 `json:"process_window_size_kb,omitempty"`
	ProcessMaxBandwidthMBPerSec *uint64 `json:"process_max_bandwidth_mb_sec,omitempty"`
}

package lightstreamer

// SubscriptionMode is the update semantics requested for a Subscription.
// This core implements MERGE; the others are recognized but rejected at
// subscribe time with a ConfigError.
type SubscriptionMode string

const (
	ModeMerge    SubscriptionMode = "MERGE"
	ModeDistinct SubscriptionMode = "DISTINCT"
	ModeRaw      SubscriptionMode = "RAW"
	ModeCommand  SubscriptionMode = "COMMAND"
)

// RequestedSnapshot controls whether and how much snapshot a
// Subscription asks the server for.
type RequestedSnapshot struct {
	// Yes requests the full current snapshot (the MERGE default).
	Yes bool
	// No suppresses the snapshot entirely.
	No bool
	// Length, when > 0 and neither Yes nor No is set, requests the last
	// N snapshot entries (meaningful for DISTINCT; not used by MERGE).
	Length int
}

// ForcedTransport enumerates the transports a client may be pinned to.
// This core only ever dials WSStreaming.
type ForcedTransport string

const (
	ForcedTransportWSStreaming ForcedTransport = "WS_STREAMING"
)

// ConnectionDetails identifies the server and adapter set a Client talks
// to. Immutable once connect() has been called.
type ConnectionDetails struct {
	ServerURL        string
	AdapterSet       string
	User             string
	Password         string
	ClientIP         string
	ServerSocketName string
}

// ConnectionOptions is the bag of tuning knobs recognized by this core.
// Zero values are replaced by their documented defaults in
// NewConnectionOptions.
type ConnectionOptions struct {
	ContentLength            int
	IdleTimeoutMs            int
	KeepaliveIntervalMs      int
	PollingIntervalMs        int
	ReconnectTimeoutMs       int
	RetryDelayMs             int
	SessionRecoveryTimeoutMs int
	StalledTimeoutMs         int
	ForcedTransport          ForcedTransport
}

const (
	defaultIdleTimeoutMs            = 19000
	defaultKeepaliveIntervalMs      = 5000
	defaultReconnectTimeoutMs       = 3000
	defaultRetryDelayMs             = 4000
	defaultSessionRecoveryTimeoutMs = 15000
	defaultStalledTimeoutMs         = 2000
)

// NewConnectionOptions returns a ConnectionOptions with every recognized
// option set to its documented default.
func NewConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		ContentLength:            0, // 0 == unbounded
		IdleTimeoutMs:            defaultIdleTimeoutMs,
		KeepaliveIntervalMs:      defaultKeepaliveIntervalMs,
		ReconnectTimeoutMs:       defaultReconnectTimeoutMs,
		RetryDelayMs:             defaultRetryDelayMs,
		SessionRecoveryTimeoutMs: defaultSessionRecoveryTimeoutMs,
		StalledTimeoutMs:         defaultStalledTimeoutMs,
		ForcedTransport:          ForcedTransportWSStreaming,
	}
}

// Subscription is a declarative request record. Construct with
// NewSubscription; runtime state (SubscriptionID, Active, Subscribed,
// the field table) is populated once the Subscription is handed to a
// Client and a registry assigns it an id.
type Subscription struct {
	Mode                  SubscriptionMode
	Items                 []string
	ItemGroup             string
	Fields                []string
	FieldSchema           string
	DataAdapter           string
	RequestedSnapshot     RequestedSnapshot
	RequestedMaxFrequency string
	RequestedBufferSize   string
	Selector              string

	// runtime state, populated by the registry
	subscriptionID         int
	active                 bool
	subscribed             bool
	invalid                bool
	snapshotCompleteByItem map[int]bool
	fields                 *itemFieldTable
	listeners              []SubscriptionListener
	addSent                bool
}

// AddListener registers a SubscriptionListener. Safe to call before or
// after the Subscription is handed to a Client.
func (s *Subscription) AddListener(l SubscriptionListener) {
	s.listeners = append(s.listeners, l)
}

// NewSubscription validates and constructs a Subscription. It enforces
// the "exactly one of items/item_group" and "exactly one of
// fields/field_schema" invariants and rejects non-MERGE modes, since
// this core only implements MERGE.
func NewSubscription(mode SubscriptionMode, items []string, itemGroup string, fields []string, fieldSchema string) (*Subscription, error) {
	if mode != ModeMerge {
		return nil, newConfigError("subscription mode %q is not supported by this core (MERGE only)", mode)
	}
	hasItems := len(items) > 0
	hasGroup := itemGroup != ""
	if hasItems == hasGroup {
		return nil, newConfigError("exactly one of items or item_group must be set")
	}
	hasFields := len(fields) > 0
	hasSchema := fieldSchema != ""
	if hasFields == hasSchema {
		return nil, newConfigError("exactly one of fields or field_schema must be set")
	}
	return &Subscription{
		Mode:                   mode,
		Items:                  items,
		ItemGroup:              itemGroup,
		Fields:                 fields,
		FieldSchema:            fieldSchema,
		RequestedSnapshot:      RequestedSnapshot{Yes: true},
		snapshotCompleteByItem: make(map[int]bool),
	}, nil
}

// SubscriptionID returns the id assigned by the registry, or 0 if the
// Subscription has not yet been enqueued.
func (s *Subscription) SubscriptionID() int { return s.subscriptionID }

// Active reports whether the Subscription has been handed to a Client.
func (s *Subscription) Active() bool { return s.active }

// Subscribed reports whether a SUBOK has been received and no UNSUB or
// session end has followed it yet.
func (s *Subscription) Subscribed() bool { return s.subscribed }

// declaredItemCount returns the number of items declared positionally,
// or 0 if an item_group was used instead (group size is server-known
// only, confirmed via SUBOK's n_items).
func (s *Subscription) declaredItemCount() int {
	return len(s.Items)
}

// declaredFieldCount returns the number of fields declared positionally,
// or 0 if a field_schema was used instead.
func (s *Subscription) declaredFieldCount() int {
	return len(s.Fields)
}

// itemName resolves a 1-based item index to its declared name, if the
// Subscription enumerated items positionally.
func (s *Subscription) itemName(idx int) (string, bool) {
	if idx < 1 || idx > len(s.Items) {
		return "", false
	}
	return s.Items[idx-1], true
}

// fieldName resolves a 1-based field position to its declared name, if
// the Subscription enumerated fields positionally.
func (s *Subscription) fieldName(pos int) (string, bool) {
	if pos < 1 || pos > len(s.Fields) {
		return "", false
	}
	return s.Fields[pos-1], true
}

// itemFieldTable is the per-item dense field table described in §3:
// for each item index, an ordered sequence of optional string values.
// Only the decoder mutates it.
type itemFieldTable struct {
	nItems  int
	nFields int
	// values[i][f] is the current value of field f+1 for item i+1, or
	// nil if unset/null.
	values [][]*string
}

func newItemFieldTable(nItems, nFields int) *itemFieldTable {
	values := make([][]*string, nItems)
	for i := range values {
		values[i] = make([]*string, nFields)
	}
	return &itemFieldTable{nItems: nItems, nFields: nFields, values: values}
}

func (t *itemFieldTable) get(itemIdx, fieldPos int) *string {
	if t == nil || itemIdx < 1 || itemIdx > t.nItems || fieldPos < 1 || fieldPos > t.nFields {
		return nil
	}
	return t.values[itemIdx-1][fieldPos-1]
}

func (t *itemFieldTable) set(itemIdx, fieldPos int, v *string) {
	if t == nil || itemIdx < 1 || itemIdx > t.nItems || fieldPos < 1 || fieldPos > t.nFields {
		return
	}
	t.values[itemIdx-1][fieldPos-1] = v
}

func (t *itemFieldTable) clearItem(itemIdx int) {
	if t == nil || itemIdx < 1 || itemIdx > t.nItems {
		return
	}
	row := t.values[itemIdx-1]
	for i := range row {
		row[i] = nil
	}
}

func (t *itemFieldTable) snapshot(itemIdx int) map[int]*string {
	out := make(map[int]*string, t.nFields)
	if t == nil || itemIdx < 1 || itemIdx > t.nItems {
		return out
	}
	for f, v := range t.values[itemIdx-1] {
		out[f+1] = v
	}
	return out
}

// ItemUpdate is delivered to SubscriptionListener.OnItemUpdate. Values
// and Changed are keyed by field name when the Subscription declared
// fields positionally, and by the 1-based field position (formatted as
// a decimal string) otherwise.
type ItemUpdate struct {
	SubscriptionID int
	ItemIndex      int
	ItemName       string
	Values         map[string]*string
	Changed        map[string]bool
	IsSnapshot     bool
}

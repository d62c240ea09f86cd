package lightstreamer

import (
	"net/url"
	"strconv"
	"strings"
)

// MessageTag identifies the kind of an ingress message by its leading,
// case-insensitive frame tag.
type MessageTag string

const (
	TagWSOK     MessageTag = "WSOK"
	TagCONOK    MessageTag = "CONOK"
	TagCONERR   MessageTag = "CONERR"
	TagSERVNAME MessageTag = "SERVNAME"
	TagCLIENTIP MessageTag = "CLIENTIP"
	TagCONS     MessageTag = "CONS"
	TagPROBE    MessageTag = "PROBE"
	TagNOOP     MessageTag = "NOOP"
	TagSYNC     MessageTag = "SYNC"
	TagSUBOK    MessageTag = "SUBOK"
	TagSUBCMD   MessageTag = "SUBCMD"
	TagUNSUB    MessageTag = "UNSUB"
	TagEOS      MessageTag = "EOS"
	TagCS       MessageTag = "CS"
	TagOV       MessageTag = "OV"
	TagU        MessageTag = "U"
	TagREQOK    MessageTag = "REQOK"
	TagREQERR   MessageTag = "REQERR"
	TagMSGDONE  MessageTag = "MSGDONE"
	TagMSGFAIL  MessageTag = "MSGFAIL"
	TagEND      MessageTag = "END"
	TagLOOP     MessageTag = "LOOP"
	TagUnknown  MessageTag = ""
)

// Message is a parsed ingress frame, dispatched by Tag.
type Message struct {
	Tag MessageTag
	Raw string

	// populated depending on Tag; zero-valued when not applicable.
	SessionID          string
	RequestLimit       int
	Keepalive          int
	ControlLink        string
	ErrorCode          int
	ErrorMessage       string
	Name               string
	Bandwidth          string
	Seconds            int
	SubID              int
	NItems             int
	NFields            int
	ItemIndex          int
	LostCount          int
	RawValues          string
	RequestID          int
	Sequence           string
	Prog               int
	CauseCode          int
	CauseMessage       string
	DelayMs            int
}

// ParseMessage parses a single TLCP frame (without its CRLF terminator)
// into a typed Message. The leading tag is matched case-insensitively;
// everything else is case-sensitive wire data. Unknown tags parse
// successfully with Tag == TagUnknown so the caller can log and ignore
// them per §4.2's forward-compatibility rule.
func ParseMessage(frame string) (*Message, error) {
	tagPart, rest, _ := strings.Cut(frame, ",")
	tag := MessageTag(strings.ToUpper(tagPart))
	fields := splitFields(rest, tag)

	m := &Message{Tag: tag, Raw: frame}

	switch tag {
	case TagWSOK, TagPROBE:
		// no payload
	case TagCONOK:
		if len(fields) < 1 {
			return nil, newProtocolError("CONOK missing session_id")
		}
		m.SessionID = fields[0]
		if len(fields) > 1 {
			m.RequestLimit, _ = strconv.Atoi(fields[1])
		}
		if len(fields) > 2 {
			m.Keepalive, _ = strconv.Atoi(fields[2])
		}
		if len(fields) > 3 {
			m.ControlLink = fields[3]
		}
	case TagCONERR:
		if len(fields) < 2 {
			return nil, newProtocolError("CONERR missing code/message")
		}
		m.ErrorCode, _ = strconv.Atoi(fields[0])
		m.ErrorMessage = fields[1]
	case TagSERVNAME:
		if len(fields) > 0 {
			m.Name = fields[0]
		}
	case TagCLIENTIP:
		if len(fields) > 0 {
			m.Name = fields[0]
		}
	case TagCONS:
		if len(fields) > 0 {
			m.Bandwidth = fields[0]
		}
	case TagNOOP:
		if len(fields) > 0 {
			m.ErrorMessage = fields[0]
		}
	case TagSYNC:
		if len(fields) > 0 {
			m.Seconds, _ = strconv.Atoi(fields[0])
		}
	case TagSUBOK:
		if len(fields) < 3 {
			return nil, newProtocolError("SUBOK requires sub_id,n_items,n_fields")
		}
		m.SubID, _ = strconv.Atoi(fields[0])
		m.NItems, _ = strconv.Atoi(fields[1])
		m.NFields, _ = strconv.Atoi(fields[2])
	case TagSUBCMD:
		// rejected; no payload expected
	case TagUNSUB:
		if len(fields) < 1 {
			return nil, newProtocolError("UNSUB missing sub_id")
		}
		m.SubID, _ = strconv.Atoi(fields[0])
	case TagEOS:
		if len(fields) < 2 {
			return nil, newProtocolError("EOS requires sub_id,item_index")
		}
		m.SubID, _ = strconv.Atoi(fields[0])
		m.ItemIndex, _ = strconv.Atoi(fields[1])
	case TagCS:
		if len(fields) < 2 {
			return nil, newProtocolError("CS requires sub_id,item_index")
		}
		m.SubID, _ = strconv.Atoi(fields[0])
		m.ItemIndex, _ = strconv.Atoi(fields[1])
	case TagOV:
		if len(fields) < 3 {
			return nil, newProtocolError("OV requires sub_id,item_index,lost_count")
		}
		m.SubID, _ = strconv.Atoi(fields[0])
		m.ItemIndex, _ = strconv.Atoi(fields[1])
		m.LostCount, _ = strconv.Atoi(fields[2])
	case TagU:
		if len(fields) < 3 {
			return nil, newProtocolError("U requires sub_id,item_index,values")
		}
		m.SubID, _ = strconv.Atoi(fields[0])
		m.ItemIndex, _ = strconv.Atoi(fields[1])
		m.RawValues = fields[2]
	case TagREQOK:
		if len(fields) < 1 {
			return nil, newProtocolError("REQOK missing request_id")
		}
		m.RequestID, _ = strconv.Atoi(fields[0])
	case TagREQERR:
		if len(fields) < 3 {
			return nil, newProtocolError("REQERR requires request_id,code,message")
		}
		m.RequestID, _ = strconv.Atoi(fields[0])
		m.ErrorCode, _ = strconv.Atoi(fields[1])
		m.ErrorMessage = fields[2]
	case TagMSGDONE, TagMSGFAIL:
		if len(fields) > 0 {
			m.Sequence = fields[0]
		}
		if len(fields) > 1 {
			m.Prog, _ = strconv.Atoi(fields[1])
		}
	case TagEND:
		if len(fields) > 0 {
			m.CauseCode, _ = strconv.Atoi(fields[0])
		}
		if len(fields) > 1 {
			m.CauseMessage = fields[1]
		}
	case TagLOOP:
		if len(fields) > 0 {
			m.DelayMs, _ = strconv.Atoi(fields[0])
		}
	default:
		m.Tag = TagUnknown
	}
	return m, nil
}

// splitFields splits the comma-separated payload of a frame into its
// positional fields. The U message's payload has a pipe-separated tail
// (the raw_values blob) that must not itself be split on embedded
// commas, so it is only ever split into exactly 3 top-level fields.
func splitFields(rest string, tag MessageTag) []string {
	if rest == "" {
		return nil
	}
	if tag == TagU {
		return strings.SplitN(rest, ",", 3)
	}
	return strings.Split(rest, ",")
}

// ControlOp is the LS_op value of a control request.
type ControlOp string

const (
	OpAdd    ControlOp = "add"
	OpDelete ControlOp = "delete"
)

// EncodeWSOK serializes the initial transport-acceptance frame.
func EncodeWSOK() string { return "wsok" }

// CreateSessionParams holds the egress fields of a create_session
// request.
type CreateSessionParams struct {
	CID        string
	AdapterSet string
	User       string
	Password   string
	Cause      string
}

// EncodeCreateSession serializes a create_session request per §4.2.
func EncodeCreateSession(p CreateSessionParams) string {
	v := url.Values{}
	v.Set("LS_cid", p.CID)
	if p.AdapterSet != "" {
		v.Set("LS_adapter_set", p.AdapterSet)
	}
	if p.User != "" {
		v.Set("LS_user", p.User)
	}
	if p.Password != "" {
		v.Set("LS_password", p.Password)
	}
	if p.Cause != "" {
		v.Set("LS_cause", p.Cause)
	}
	v.Set("LS_send_sync", "false")
	v.Set("LS_polling", "false")
	return "create_session\r\n" + v.Encode()
}

// ControlParams holds the egress fields of a subscribe/unsubscribe
// control request.
type ControlParams struct {
	ReqID                 int
	Op                    ControlOp
	SubID                 int
	Mode                  SubscriptionMode
	ID                    string
	Group                 string
	Schema                string
	DataAdapter           string
	Snapshot              string
	RequestedMaxFrequency string
	RequestedBufferSize   string
	Selector              string
}

// EncodeControl serializes a control request per §4.2. Values
// containing CR, LF, or other control characters are rejected, since
// url.Values.Encode would otherwise silently percent-encode protocol
// framing bytes into what looks like legitimate payload.
func EncodeControl(p ControlParams) (string, error) {
	if err := rejectControlChars(p.ID, p.Group, p.Schema, p.DataAdapter, p.Selector); err != nil {
		return "", err
	}
	v := url.Values{}
	v.Set("LS_reqId", strconv.Itoa(p.ReqID))
	v.Set("LS_op", string(p.Op))
	if p.SubID != 0 {
		v.Set("LS_subId", strconv.Itoa(p.SubID))
	}
	if p.Op == OpAdd {
		v.Set("LS_mode", string(p.Mode))
		if p.ID != "" {
			v.Set("LS_id", p.ID)
		}
		if p.Group != "" {
			v.Set("LS_group", p.Group)
		}
		if p.Schema != "" {
			v.Set("LS_schema", p.Schema)
		}
		if p.DataAdapter != "" {
			v.Set("LS_data_adapter", p.DataAdapter)
		}
		if p.Snapshot != "" {
			v.Set("LS_snapshot", p.Snapshot)
		}
		if p.RequestedMaxFrequency != "" {
			v.Set("LS_requested_max_frequency", p.RequestedMaxFrequency)
		}
		if p.RequestedBufferSize != "" {
			v.Set("LS_requested_buffer_size", p.RequestedBufferSize)
		}
		if p.Selector != "" {
			v.Set("LS_selector", p.Selector)
		}
	}
	return "control\r\n" + v.Encode(), nil
}

func rejectControlChars(values ...string) error {
	for _, s := range values {
		for _, r := range s {
			if r == '\r' || r == '\n' || r < 0x20 {
				return newConfigError("value contains a disallowed control character: %q", s)
			}
		}
	}
	return nil
}

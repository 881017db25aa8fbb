package protocol

// FIX dictionary constants. The core only consumes the packed integers; the
// tables are fixed at build time.

const FixVersion = "FIX.4.4"

// Field tags referenced by the gateway.
const (
	TagBeginString  = 8
	TagBodyLength   = 9
	TagMsgSeqNum    = 34
	TagMsgType      = 35
	TagSenderCompID = 49
	TagSendingTime  = 52
	TagTargetCompID = 56
	TagCheckSum     = 10
)

// PackMessageType packs the value of a MsgType (35=) field into an int64,
// first character in the lowest byte. Values longer than 8 bytes are truncated.
func PackMessageType(value string) int64 {
	var packed int64
	for i := 0; i < len(value) && i < 8; i++ {
		packed |= int64(value[i]) << (8 * i)
	}
	return packed
}

// UnpackMessageType reverses PackMessageType.
func UnpackMessageType(packed int64) string {
	var b [8]byte
	n := 0
	for ; n < 8; n++ {
		c := byte(packed >> (8 * n))
		if c == 0 {
			break
		}
		b[n] = c
	}
	return string(b[:n])
}

type messageType struct {
	name  string
	value string
}

var messageTypes = [...]messageType{
	{"Heartbeat", "0"},
	{"TestRequest", "1"},
	{"ResendRequest", "2"},
	{"Reject", "3"},
	{"SequenceReset", "4"},
	{"Logout", "5"},
	{"ExecutionReport", "8"},
	{"OrderCancelReject", "9"},
	{"Logon", "A"},
	{"NewOrderSingle", "D"},
	{"OrderCancelRequest", "F"},
	{"OrderCancelReplaceRequest", "G"},
	{"OrderStatusRequest", "H"},
	{"MarketDataRequest", "V"},
	{"MarketDataSnapshotFullRefresh", "W"},
	{"MarketDataIncrementalRefresh", "X"},
	{"BusinessMessageReject", "j"},
	{"TradeCaptureReport", "AE"},
	{"UserRequest", "BE"},
	{"UserResponse", "BF"},
}

var (
	messageTypeByName = make(map[string]int64, len(messageTypes))
	messageTypeName   = make(map[int64]string, len(messageTypes))
)

func init() {
	for _, mt := range messageTypes {
		packed := PackMessageType(mt.value)
		messageTypeByName[mt.name] = packed
		messageTypeName[packed] = mt.name
	}
}

// MessageTypeByName returns the packed MsgType for a dictionary message name.
func MessageTypeByName(name string) (int64, bool) {
	v, ok := messageTypeByName[name]
	return v, ok
}

// MessageTypeName returns the dictionary name of a packed MsgType.
func MessageTypeName(packed int64) (string, bool) {
	name, ok := messageTypeName[packed]
	return name, ok
}

// IsSessionMessage reports whether the packed MsgType is an administrative
// session-level message.
func IsSessionMessage(packed int64) bool {
	switch UnpackMessageType(packed) {
	case "0", "1", "2", "3", "4", "5", "A":
		return true
	}
	return false
}

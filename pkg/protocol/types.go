package protocol

// ProtocolVersion is reported by OpPing responses.
const ProtocolVersion = 1

// Op identifies a request type.
type Op byte

const (
	OpGetMeta = Op(0x01)
	OpGetData = Op(0x02)
	OpPing    = Op(0x03)
)

func (o Op) String() string {
	switch o {
	case OpGetMeta:
		return "get_meta"
	case OpGetData:
		return "get_data"
	case OpPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Status is the first byte of every response.
type Status byte

const (
	StatusOK    = Status(0x00)
	StatusError = Status(0x01)
)

const (
	// MaxBatch bounds the number of hashes in one request.
	MaxBatch = 0xFFFF
	// MaxItemSize bounds one chunk in a response.
	MaxItemSize = 32 << 20
)

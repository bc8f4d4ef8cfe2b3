package wire

// ClientMessage is the closed set of messages a client may send.
type ClientMessage struct {
	Type MessageType

	// Hello
	Version uint16
	// AuthToken is an optional bearer token, present only when the
	// server is configured with BONPROXY_AUTH_REQUIRED; absent (empty
	// string) servers and clients simply encode/decode a zero-length
	// string, so the wire shape is unchanged when auth is disabled.
	AuthToken string

	// OpenTuner
	TunerPath string
	Exclusive bool
	// Priority is an optional client-kind tag (scan/viewing/recording) the
	// session registry exposes for observability; it never affects lock
	// arbitration. A trailing byte defaulting to 0 when a client omits it,
	// so the core OpenTuner(path, exclusive) wire shape is unchanged for
	// clients that don't set it.
	Priority uint8

	// SetChannel
	Channel ChannelSpec

	// WaitTsStream
	TimeoutMillis uint32

	// GetTsStream
	Max uint32

	// EnumTuningSpace / EnumChannelName
	SpaceIndex   uint32
	ChannelIndex uint32
}

// ServerMessage is the closed set of messages a server may send.
type ServerMessage struct {
	Type MessageType

	// Welcome
	ServerVersion uint16

	// Ack / Error
	Code    ErrorCode
	Message string

	// TsData
	Bytes     []byte
	Remaining uint32

	// SignalLevel
	Level float32

	// Name
	Name string

	// Count
	Count uint32
}

// EncodeClientMessage serialises a client message to its wire payload
// (header excluded; pair with EncodeFrame or write the header separately).
func EncodeClientMessage(m ClientMessage) ([]byte, error) {
	var buf []byte
	switch m.Type {
	case TypeHello:
		buf = putUint16(buf, m.Version)
		buf = putString(buf, m.AuthToken)
	case TypeOpenTuner:
		buf = putString(buf, m.TunerPath)
		exclusive := uint8(0)
		if m.Exclusive {
			exclusive = 1
		}
		buf = putUint8(buf, exclusive)
		buf = putUint8(buf, m.Priority)
	case TypeSetChannel:
		buf = encodeChannelSpec(buf, m.Channel)
	case TypeWaitTsStream:
		buf = putUint32(buf, m.TimeoutMillis)
	case TypeGetReadyCount:
	case TypeGetTsStream:
		buf = putUint32(buf, m.Max)
	case TypePurgeTsStream:
	case TypeGetSignalLevel:
	case TypeEnumTuningSpace:
		buf = putUint32(buf, m.SpaceIndex)
	case TypeEnumChannelName:
		buf = putUint32(buf, m.SpaceIndex)
		buf = putUint32(buf, m.ChannelIndex)
	case TypeGetCurSpace:
	case TypeGetCurChannel:
	case TypeCloseTuner:
	case TypeRelease:
	case TypePing:
	default:
		return nil, &ProtocolError{Cause: ErrEncodeError, Detail: "unknown client message type"}
	}
	if buf == nil {
		buf = []byte{}
	}
	return buf, nil
}

// DecodeClientMessage parses a client message body given its message type
// and payload. An unrecognised type yields UnknownMessageType.
func DecodeClientMessage(t MessageType, payload []byte) (ClientMessage, error) {
	if !IsClientType(t) {
		return ClientMessage{}, newUnknownMessageType(uint16(t))
	}
	m := ClientMessage{Type: t}
	var err error
	switch t {
	case TypeHello:
		var rest []byte
		m.Version, rest, err = readUint16(payload)
		if err == nil {
			m.AuthToken, _, err = readString(rest)
		}
	case TypeOpenTuner:
		var rest []byte
		m.TunerPath, rest, err = readString(payload)
		if err == nil {
			var exclusive uint8
			exclusive, rest, err = readUint8(rest)
			m.Exclusive = exclusive != 0
		}
		if err == nil && len(rest) > 0 {
			m.Priority, _, err = readUint8(rest)
		}
	case TypeSetChannel:
		m.Channel, _, err = decodeChannelSpec(payload)
	case TypeWaitTsStream:
		m.TimeoutMillis, _, err = readUint32(payload)
	case TypeGetReadyCount, TypePurgeTsStream, TypeGetSignalLevel,
		TypeGetCurSpace, TypeGetCurChannel, TypeCloseTuner, TypeRelease, TypePing:
		// no payload fields
	case TypeGetTsStream:
		m.Max, _, err = readUint32(payload)
	case TypeEnumTuningSpace:
		m.SpaceIndex, _, err = readUint32(payload)
	case TypeEnumChannelName:
		var rest []byte
		m.SpaceIndex, rest, err = readUint32(payload)
		if err == nil {
			m.ChannelIndex, _, err = readUint32(rest)
		}
	default:
		return ClientMessage{}, newUnknownMessageType(uint16(t))
	}
	if err != nil {
		return ClientMessage{}, err
	}
	return m, nil
}

// EncodeServerMessage serialises a server message to its wire payload.
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	var buf []byte
	switch m.Type {
	case TypeWelcome:
		buf = putUint16(buf, m.ServerVersion)
	case TypeAck:
		buf = putUint16(buf, m.Code.Uint16())
	case TypeTsData:
		buf = putUint32(buf, uint32(len(m.Bytes)))
		buf = append(buf, m.Bytes...)
		buf = putUint32(buf, m.Remaining)
	case TypeSignalLevel:
		buf = putFloat32(buf, m.Level)
	case TypeName:
		buf = putString(buf, m.Name)
	case TypeCount:
		buf = putUint32(buf, m.Count)
	case TypeError:
		buf = putUint16(buf, m.Code.Uint16())
		buf = putString(buf, m.Message)
	case TypePong:
	default:
		return nil, &ProtocolError{Cause: ErrEncodeError, Detail: "unknown server message type"}
	}
	if buf == nil {
		buf = []byte{}
	}
	return buf, nil
}

// DecodeServerMessage parses a server message body given its message type
// and payload. An unrecognised type yields UnknownMessageType.
func DecodeServerMessage(t MessageType, payload []byte) (ServerMessage, error) {
	if !IsServerType(t) {
		return ServerMessage{}, newUnknownMessageType(uint16(t))
	}
	m := ServerMessage{Type: t}
	var err error
	switch t {
	case TypeWelcome:
		m.ServerVersion, _, err = readUint16(payload)
	case TypeAck:
		var code uint16
		code, _, err = readUint16(payload)
		m.Code = ErrorCodeFromUint16(code)
	case TypeTsData:
		var n uint32
		n, payload, err = readUint32(payload)
		if err == nil {
			if uint32(len(payload)) < n {
				err = newDecodeError("truncated TsData body")
			} else {
				m.Bytes = payload[:n]
				payload = payload[n:]
				m.Remaining, _, err = readUint32(payload)
			}
		}
	case TypeSignalLevel:
		m.Level, _, err = readFloat32(payload)
	case TypeName:
		m.Name, _, err = readString(payload)
	case TypeCount:
		m.Count, _, err = readUint32(payload)
	case TypeError:
		var code uint16
		var rest []byte
		code, rest, err = readUint16(payload)
		if err == nil {
			m.Code = ErrorCodeFromUint16(code)
			m.Message, _, err = readString(rest)
		}
	case TypePong:
		// no payload fields
	default:
		return ServerMessage{}, newUnknownMessageType(uint16(t))
	}
	if err != nil {
		return ServerMessage{}, err
	}
	return m, nil
}

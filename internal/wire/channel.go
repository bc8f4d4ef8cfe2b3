package wire

// ChannelSpec identifies a channel selection within a tuning request. It is
// a tagged union: either a legacy single-space channel number (IBonDriver
// v1 style) or an explicit (space, channel) pair (IBonDriver v2 style).
type ChannelSpec struct {
	Kind    ChannelSpecKind
	Simple  uint8
	Space   uint32
	Channel uint32
}

// ChannelSpecKind discriminates ChannelSpec's two variants.
type ChannelSpecKind uint8

const (
	ChannelSpecSimple ChannelSpecKind = iota
	ChannelSpecSpaceChannel
)

// SimpleChannel builds a legacy single-channel spec.
func SimpleChannel(ch uint8) ChannelSpec {
	return ChannelSpec{Kind: ChannelSpecSimple, Simple: ch}
}

// SpaceChannelSpec builds an explicit space/channel spec.
func SpaceChannelSpec(space, channel uint32) ChannelSpec {
	return ChannelSpec{Kind: ChannelSpecSpaceChannel, Space: space, Channel: channel}
}

func encodeChannelSpec(dst []byte, c ChannelSpec) []byte {
	dst = putUint8(dst, uint8(c.Kind))
	switch c.Kind {
	case ChannelSpecSimple:
		dst = putUint8(dst, c.Simple)
	case ChannelSpecSpaceChannel:
		dst = putUint32(dst, c.Space)
		dst = putUint32(dst, c.Channel)
	}
	return dst
}

func decodeChannelSpec(buf []byte) (ChannelSpec, []byte, error) {
	kind, buf, err := readUint8(buf)
	if err != nil {
		return ChannelSpec{}, nil, err
	}
	switch ChannelSpecKind(kind) {
	case ChannelSpecSimple:
		v, rest, err := readUint8(buf)
		if err != nil {
			return ChannelSpec{}, nil, err
		}
		return SimpleChannel(v), rest, nil
	case ChannelSpecSpaceChannel:
		space, rest, err := readUint32(buf)
		if err != nil {
			return ChannelSpec{}, nil, err
		}
		channel, rest, err := readUint32(rest)
		if err != nil {
			return ChannelSpec{}, nil, err
		}
		return SpaceChannelSpec(space, channel), rest, nil
	default:
		return ChannelSpec{}, nil, newDecodeError("unknown channel spec kind")
	}
}

// Key identifies a (device-path, channel-selection) pair used to deduplicate
// shared tuners. Two keys are equal iff their path and channel variant
// match exactly; the struct is comparable so it can key a Go map directly.
type Key struct {
	TunerPath string
	Channel   ChannelSpec
}

// SimpleKey builds a Key from a tuner path and legacy channel number.
func SimpleKey(tunerPath string, channel uint8) Key {
	return Key{TunerPath: tunerPath, Channel: SimpleChannel(channel)}
}

// SpaceChannelKey builds a Key from a tuner path and an explicit space/channel pair.
func SpaceChannelKey(tunerPath string, space, channel uint32) Key {
	return Key{TunerPath: tunerPath, Channel: SpaceChannelSpec(space, channel)}
}

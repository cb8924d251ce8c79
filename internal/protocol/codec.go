package protocol

// Codec is the configured v2 message model. The header layout and the
// version policy are explicit; the codec never guesses between layouts.
type Codec struct {
	Layout Layout
	// Versions lists accepted header versions. Empty means {Version}.
	Versions []uint32
	// StrictVersion rejects any version outside Versions before the body is
	// read. When false an unknown version is tolerated if the body parses.
	StrictVersion bool
	Limits        Limits
}

func DefaultCodec() Codec {
	return Codec{
		Layout:        LayoutWord,
		Versions:      []uint32{Version},
		StrictVersion: true,
		Limits:        DefaultLimits(),
	}
}

func (c Codec) acceptsVersion(v uint32) bool {
	if len(c.Versions) == 0 {
		return v == Version
	}
	for _, known := range c.Versions {
		if known == v {
			return true
		}
	}
	return false
}

// HeaderVersion is the version stamped on encoded requests.
func (c Codec) HeaderVersion() uint32 {
	if len(c.Versions) == 0 {
		return Version
	}
	return c.Versions[0]
}

package channel

// RoutingMap is the many-to-many relation between connection names and
// stream identifiers. Two hashed indexes cover both lookup directions, so
// each query costs O(matches) regardless of total map size. The map is
// populated during configuration and read-only once the channel starts;
// per-index slices preserve insertion order, keeping results deterministic
// for a given configuration.
type RoutingMap struct {
	streamsByConn map[string][]uint16
	connsByStream map[uint16][]string
	directions    map[string]Direction
}

// NewRoutingMap creates an empty routing map.
func NewRoutingMap() *RoutingMap {
	return &RoutingMap{
		streamsByConn: make(map[string][]uint16),
		connsByStream: make(map[uint16][]string),
		directions:    make(map[string]Direction),
	}
}

// Bind associates a connection with a stream in both indexes. Binding an
// input-direction connection to a stream that already has an input bound
// is rejected: exactly one input may feed a stream.
func (m *RoutingMap) Bind(connectionName string, direction Direction, streamID uint16) error {
	if direction == In {
		for _, name := range m.connsByStream[streamID] {
			if m.directions[name] == In {
				return configErrorf(
					"stream [%d] is already assigned to connection %q and cannot also be assigned to connection %q: only a single input connection is allowed per stream",
					streamID, name, connectionName)
			}
		}
	}

	m.streamsByConn[connectionName] = append(m.streamsByConn[connectionName], streamID)
	m.connsByStream[streamID] = append(m.connsByStream[streamID], connectionName)
	m.directions[connectionName] = direction
	return nil
}

// ConnectionsOf returns the names of connections carrying streamID,
// filtered by direction. Both matches every binding.
func (m *RoutingMap) ConnectionsOf(streamID uint16, direction Direction) []string {
	names := m.connsByStream[streamID]
	if direction == Both {
		return names
	}
	var out []string
	for _, name := range names {
		if m.directions[name] == direction {
			out = append(out, name)
		}
	}
	return out
}

// StreamsOf returns the stream identifiers bound to the named connection.
func (m *RoutingMap) StreamsOf(connectionName string) []uint16 {
	return m.streamsByConn[connectionName]
}

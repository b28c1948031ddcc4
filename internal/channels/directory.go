package channels

import (
	"sort"
	"strings"
	"sync"
)

// Directory is the registry of currently discoverable channels. The
// livestream entry always exists and cannot be removed.
type Directory struct {
	mu       sync.Mutex
	channels map[string]Descriptor
}

// NewDirectory builds a directory pre-seeded with the livestream channel.
func NewDirectory() *Directory {
	return &Directory{
		channels: map[string]Descriptor{"livestream": LiveChannel()},
	}
}

// Upsert registers or refreshes a channel. Private channels registered with
// advertise=false stay out of the directory entirely.
func (d *Directory) Upsert(channel Descriptor, advertise bool) {
	if channel.Kind == PrivateReplay && !advertise {
		return
	}
	d.mu.Lock()
	d.channels[channel.ChannelID] = channel
	d.mu.Unlock()
}

// Remove drops a channel. Removing the livestream is a no-op.
func (d *Directory) Remove(channelID string) {
	if channelID == "livestream" {
		return
	}
	d.mu.Lock()
	delete(d.channels, channelID)
	d.mu.Unlock()
}

// Get returns a channel by id.
func (d *Directory) Get(channelID string) (Descriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	channel, ok := d.channels[channelID]
	return channel, ok
}

// List enumerates channels in discovery order: livestream first, then group
// replays by channel id, then private replays when requested.
func (d *Directory) List(includePrivate bool) []Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := []Descriptor{d.channels["livestream"]}
	var others []Descriptor
	for id, channel := range d.channels {
		if id == "livestream" {
			continue
		}
		if channel.Kind == PrivateReplay && !includePrivate {
			continue
		}
		others = append(others, channel)
	}
	sort.Slice(others, func(i, j int) bool {
		if others[i].Kind != others[j].Kind {
			return kindOrder(others[i].Kind) < kindOrder(others[j].Kind)
		}
		return others[i].ChannelID < others[j].ChannelID
	})
	return append(out, others...)
}

func kindOrder(k Kind) int {
	switch k {
	case GroupReplay:
		return 0
	case PrivateReplay:
		return 1
	default:
		return 99
	}
}

// ToDicts renders the discovery listing in wire shape.
func (d *Directory) ToDicts(includePrivate bool) []map[string]any {
	listed := d.List(includePrivate)
	out := make([]map[string]any, len(listed))
	for i, channel := range listed {
		out[i] = channel.ToDict()
	}
	return out
}

// Manager coordinates group and private channel lifecycles on top of a
// directory.
type Manager struct {
	mu        sync.Mutex
	directory *Directory
	// active holds started group replay ids, most recent last.
	active []string
}

// NewManager wraps the given directory, creating one when nil.
func NewManager(directory *Directory) *Manager {
	if directory == nil {
		directory = NewDirectory()
	}
	return &Manager{directory: directory}
}

// Directory exposes the underlying registry.
func (m *Manager) Directory() *Directory {
	return m.directory
}

// StartGroupReplay creates a group replay channel from an identifier and
// advertises it.
func (m *Manager) StartGroupReplay(identifier, stream, displayName string) (Descriptor, error) {
	channel, err := NewGroupReplay(identifier, stream, displayName)
	if err != nil {
		return Descriptor{}, err
	}
	m.directory.Upsert(channel, true)
	m.mu.Lock()
	m.pushActive(channel.ChannelID)
	m.mu.Unlock()
	return channel, nil
}

func (m *Manager) pushActive(channelID string) {
	for i, id := range m.active {
		if id == channelID {
			m.active = append(m.active[:i], m.active[i+1:]...)
			break
		}
	}
	m.active = append(m.active, channelID)
}

// StopGroupReplay removes a group replay channel. An empty channelID stops
// the most recently started replay. Unknown or non-group channels are a
// no-op returning false.
func (m *Manager) StopGroupReplay(channelID string) (string, bool) {
	m.mu.Lock()
	if channelID == "" {
		if len(m.active) == 0 {
			m.mu.Unlock()
			return "", false
		}
		channelID = m.active[len(m.active)-1]
	}
	for i, id := range m.active {
		if id == channelID {
			m.active = append(m.active[:i], m.active[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	channel, ok := m.directory.Get(channelID)
	if !ok || channel.Kind != GroupReplay {
		return "", false
	}
	m.directory.Remove(channelID)
	return channelID, true
}

// RegisterPrivateChannel creates and optionally advertises a per-client
// replay channel.
func (m *Manager) RegisterPrivateChannel(clientID, sessionID string, advertise bool, stream string) (Descriptor, error) {
	channel, err := PrivateChannel(clientID, sessionID, stream)
	if err != nil {
		return Descriptor{}, err
	}
	m.directory.Upsert(channel, advertise)
	return channel, nil
}

// RemovePrivateChannel drops a client's replay channel from the directory.
func (m *Manager) RemovePrivateChannel(clientID, sessionID string) {
	id := "client." + strings.TrimSpace(clientID) + "." + strings.TrimSpace(sessionID)
	m.directory.Remove(id)
}

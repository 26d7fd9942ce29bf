// Package registry tracks which machines currently hold an open realtime
// channel. It is the in-memory source of truth for presence; durable machine
// records follow it.
package registry

import "sync"

// Entry is one live machine binding.
type Entry struct {
	MachineID  string
	ChannelID  string
	LastSeenAt int64
}

// Registry is a bidirectional machineId ↔ channelId index. Each machine maps
// to at most one channel and each channel to at most one machine; the two maps
// are only ever mutated together, under the lock.
type Registry struct {
	mu          sync.Mutex
	byMachineID map[string]*Entry
	byChannelID map[string]string
	now         func() int64
}

func New(now func() int64) *Registry {
	return &Registry{
		byMachineID: make(map[string]*Entry),
		byChannelID: make(map[string]string),
		now:         now,
	}
}

// Upsert binds machineID to channelID, evicting any prior channel held by the
// machine and any prior machine bound to that exact channel. Last connect
// wins.
func (r *Registry) Upsert(machineID, channelID string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byMachineID[machineID]; ok {
		delete(r.byChannelID, existing.ChannelID)
	}
	if prior, ok := r.byChannelID[channelID]; ok && prior != machineID {
		delete(r.byMachineID, prior)
	}

	entry := &Entry{
		MachineID:  machineID,
		ChannelID:  channelID,
		LastSeenAt: r.now(),
	}
	r.byMachineID[machineID] = entry
	r.byChannelID[channelID] = machineID
	return *entry
}

// Touch refreshes the machine's lastSeenAt. It reports false when the machine
// is not registered.
func (r *Registry) Touch(machineID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byMachineID[machineID]
	if !ok {
		return false
	}
	entry.LastSeenAt = r.now()
	return true
}

func (r *Registry) Get(machineID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byMachineID[machineID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// RemoveByChannel evicts whichever machine holds channelID and returns its id.
func (r *Registry) RemoveByChannel(channelID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	machineID, ok := r.byChannelID[channelID]
	if !ok {
		return "", false
	}
	delete(r.byChannelID, channelID)
	delete(r.byMachineID, machineID)
	return machineID, true
}

func (r *Registry) RemoveByMachine(machineID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byMachineID[machineID]
	if !ok {
		return Entry{}, false
	}
	delete(r.byMachineID, machineID)
	delete(r.byChannelID, entry.ChannelID)
	return *entry, true
}

// Entries returns a snapshot of every live binding.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.byMachineID))
	for _, entry := range r.byMachineID {
		entries = append(entries, *entry)
	}
	return entries
}

// Len reports the number of registered machines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byMachineID)
}

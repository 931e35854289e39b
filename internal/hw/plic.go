package hw

import "sync"

// PLIC register offsets
const (
	PLICPriorityBase  = 0x000000 // Priority registers, 4 bytes per source
	PLICPendingBase   = 0x001000 // Pending bits
	PLICEnableBase    = 0x002000 // Enable bits
	PLICThresholdBase = 0x200000 // Context threshold
	PLICClaimOffset   = 0x200004 // Context claim/complete
)

// PLICMaxSources is the number of interrupt sources.
const PLICMaxSources = 1024

// PLIC implements the Platform Level Interrupt Controller with a single
// context (this design assumes exactly one hart). Sources are level
// triggered: a source whose line is still high when its interrupt completes
// becomes pending again.
type PLIC struct {
	mu sync.Mutex

	// Priority for each source (0 = disabled)
	priority [PLICMaxSources]uint32

	// Level of each source line
	level [PLICMaxSources / 32]uint32

	// Claimed-but-not-completed sources
	inFlight [PLICMaxSources / 32]uint32

	enable    [PLICMaxSources / 32]uint32
	threshold uint32
}

// NewPLIC creates a new PLIC
func NewPLIC() *PLIC {
	return &PLIC{}
}

// Size implements Device
func (p *PLIC) Size() uint64 {
	return PLICSize
}

func bitSet(words *[PLICMaxSources / 32]uint32, source uint32) bool {
	return words[source/32]&(1<<(source%32)) != 0
}

// pendingLocked reports whether a source is pending: line high and not
// already claimed.
func (p *PLIC) pendingLocked(source uint32) bool {
	return bitSet(&p.level, source) && !bitSet(&p.inFlight, source)
}

// Read implements Device
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source < PLICMaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset >= PLICPendingBase && offset < PLICEnableBase:
		word := (offset - PLICPendingBase) / 4
		if word < uint64(len(p.level)) {
			return uint64(p.level[word] &^ p.inFlight[word]), nil
		}

	case offset == PLICThresholdBase:
		return uint64(p.threshold), nil

	case offset == PLICClaimOffset:
		return uint64(p.claimLocked()), nil

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		word := (offset - PLICEnableBase) / 4
		if word < uint64(len(p.enable)) {
			return uint64(p.enable[word]), nil
		}
	}

	return 0, nil
}

// Write implements Device
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source > 0 && source < PLICMaxSources { // source 0 is reserved
			p.priority[source] = uint32(value) & 7
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		word := (offset - PLICEnableBase) / 4
		if word < uint64(len(p.enable)) {
			p.enable[word] = uint32(value)
		}

	case offset == PLICThresholdBase:
		p.threshold = uint32(value) & 7

	case offset == PLICClaimOffset:
		p.completeLocked(uint32(value))
	}

	return nil
}

// SetLevel drives an interrupt source line.
func (p *PLIC) SetLevel(source uint32, high bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	word := source / 32
	bit := source % 32
	if high {
		p.level[word] |= 1 << bit
	} else {
		p.level[word] &^= 1 << bit
	}
}

// claimLocked claims the highest priority pending interrupt, or 0.
func (p *PLIC) claimLocked() uint32 {
	var bestSource, bestPriority uint32

	for source := uint32(1); source < PLICMaxSources; source++ {
		if !p.pendingLocked(source) {
			continue
		}
		if !bitSet(&p.enable, source) {
			continue
		}
		priority := p.priority[source]
		if priority <= p.threshold {
			continue
		}
		if priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}

	if bestSource != 0 {
		p.inFlight[bestSource/32] |= 1 << (bestSource % 32)
	}
	return bestSource
}

// completeLocked signals completion of interrupt handling for a source.
func (p *PLIC) completeLocked(source uint32) {
	if source == 0 || source >= PLICMaxSources {
		return
	}
	p.inFlight[source/32] &^= 1 << (source % 32)
}

// HasPending reports whether any enabled source is pending above the
// threshold. Used by the interrupt gate to decide whether to claim.
func (p *PLIC) HasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for source := uint32(1); source < PLICMaxSources; source++ {
		if !p.pendingLocked(source) || !bitSet(&p.enable, source) {
			continue
		}
		if p.priority[source] > p.threshold {
			return true
		}
	}
	return false
}

var _ Device = (*PLIC)(nil)

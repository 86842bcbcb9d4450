package mm

// Region describes a half-open address range [Start, End). It is used both
// for physical memory regions reported by the bootloader and for virtual
// regions tracked by an address space.
type Region struct {
	Start uint32
	End   uint32
}

// RegionFromStartLen returns the region starting at start with len bytes.
func RegionFromStartLen(start, len uint32) Region {
	return Region{Start: start, End: start + len}
}

// Len returns the region length in bytes.
func (r Region) Len() uint32 {
	return r.End - r.Start
}

// Contains returns true if addr falls inside the region.
func (r Region) Contains(addr uint32) bool {
	return r.Start <= addr && addr < r.End
}

// ContainsRegion returns true if other lies entirely inside the region.
func (r Region) ContainsRegion(other Region) bool {
	return r.Start <= other.Start && other.End <= r.End
}

// Overlaps returns true if the two regions share at least one address.
func (r Region) Overlaps(other Region) bool {
	return r.Start < other.End && other.Start < r.End
}

// PageAlign expands the region boundaries so that both start and end are
// page-aligned.
func (r Region) PageAlign() Region {
	return Region{
		Start: r.Start & ^(PageSize - 1),
		End:   (r.End + PageSize - 1) & ^(PageSize - 1),
	}
}

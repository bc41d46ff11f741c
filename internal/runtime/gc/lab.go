package gc

// lab is a local allocation buffer carved out of a region: a TLAB when a
// mutator allocates from it, a PLAB when a pause worker copies into it. Its
// owner bump-allocates without synchronization.
type lab struct {
	start, top, end Address
	region          *Region
}

func (p *lab) allocate(words uint64) Address {
	size := Address(words << LogWordSize)
	if p.region == nil || p.end-p.top < size {
		return 0
	}
	a := p.top
	p.top += size
	return a
}

// undo takes back the latest allocation when possible; otherwise the block
// is turned into a filler
func (p *lab) undo(mem *heapMemory, bot *BlockOffsetTable, a Address, words uint64) {
	end := a.Words(words)
	if p.top == end {
		p.top = a
		return
	}
	mem.fill(a, end)
	if bot != nil {
		bot.Record(a, end)
	}
}

// retire fills the unused tail so the region stays parsable
func (p *lab) retire(mem *heapMemory, bot *BlockOffsetTable) {
	if p.region == nil {
		return
	}
	if p.top < p.end {
		mem.fill(p.top, p.end)
		if bot != nil {
			bot.Record(p.top, p.end)
		}
	}
	*p = lab{}
}

func (p *lab) set(r *Region, start, end Address) {
	p.region, p.start, p.top, p.end = r, start, start, end
}

package manifest

import "bytes"

// InsertPSSHSet adds set to the period unless an equal set exists and
// returns its index. Index 0 is the clear set: a nil set lands there. A
// slot whose usage count dropped to zero is reused.
func (p *Period) InsertPSSHSet(set *PSSHSet) uint16 {
	if len(p.PSSHSets) == 0 {
		p.PSSHSets = []PSSHSet{{}}
	}
	if set == nil {
		p.PSSHSets[0].UsageCount++
		return 0
	}

	idx := -1
	for i := 1; i < len(p.PSSHSets); i++ {
		if p.PSSHSets[i].UsageCount == 0 || p.PSSHSets[i].equal(set) {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.PSSHSets = append(p.PSSHSets, *set)
		idx = len(p.PSSHSets) - 1
	} else if p.PSSHSets[idx].UsageCount == 0 {
		p.PSSHSets[idx] = *set
	}
	p.PSSHSets[idx].UsageCount++
	return uint16(idx)
}

func (s *PSSHSet) equal(o *PSSHSet) bool {
	if s.KeyURL != "" || o.KeyURL != "" {
		return s.KeyURL == o.KeyURL && bytes.Equal(s.IV, o.IV)
	}
	return s.Media == o.Media &&
		bytes.Equal(s.InitData, o.InitData) &&
		bytes.Equal(s.DefaultKID, o.DefaultKID) &&
		bytes.Equal(s.IV, o.IV)
}

// RemovePSSHSet drops every representation protected by set index i. Sets
// left without representations are removed from the period.
func (p *Period) RemovePSSHSet(i uint16) {
	if i == 0 || int(i) >= len(p.PSSHSets) {
		return
	}
	sets := p.AdaptationSets[:0]
	for _, a := range p.AdaptationSets {
		reps := a.Representations[:0]
		for _, r := range a.Representations {
			if r.PSSHSet != i {
				reps = append(reps, r)
			}
		}
		clear(a.Representations[len(reps):])
		a.Representations = reps
		if len(reps) > 0 {
			sets = append(sets, a)
		}
	}
	clear(p.AdaptationSets[len(sets):])
	p.AdaptationSets = sets
	p.PSSHSets[i].UsageCount = 0
	p.reindex()
}

// DecrementPSSHSet releases one use of set index i.
func (p *Period) DecrementPSSHSet(i uint16) {
	if int(i) < len(p.PSSHSets) && p.PSSHSets[i].UsageCount > 0 {
		p.PSSHSets[i].UsageCount--
	}
}

// reindex restores Representation.AdaptationSetIndex after sets moved.
func (p *Period) reindex() {
	for ai, a := range p.AdaptationSets {
		for _, r := range a.Representations {
			r.AdaptationSetIndex = ai
		}
	}
}

// SamePSSHSets reports whether two periods carry the same protection, in
// which case DRM sessions can be reused across them.
func (p *Period) SamePSSHSets(o *Period) bool {
	if len(p.PSSHSets) != len(o.PSSHSets) {
		return false
	}
	for i := 1; i < len(p.PSSHSets); i++ {
		a, b := p.PSSHSets[i], o.PSSHSets[i]
		if !a.equal(&b) || a.CryptoMode != b.CryptoMode {
			return false
		}
	}
	return true
}

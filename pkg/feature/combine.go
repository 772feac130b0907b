package feature

// CombineToIndicesAndOffsets expands every row of batch through every
// combine group, appending the resulting feature fingerprints to a flat
// indices slice. offsets holds either one entry per row (group boundaries
// inferred, when featureOffset is false) or one entry per (row, group)
// pair (when featureOffset is true).
func (s *CombineSchema) CombineToIndicesAndOffsets(batch *IndexBatch, featureOffset bool) (indices []uint64, offsets []uint64) {
	rows := batch.Rows()
	featureCount := s.FeatureCount()
	offsetsPerRow := 1
	if featureOffset {
		offsetsPerRow = featureCount
	}
	indices = make([]uint64, 0, rows*featureCount*4)
	offsets = make([]uint64, 0, rows*offsetsPerRow)

	for i := 0; i < rows; i++ {
		if !featureOffset {
			offsets = append(offsets, uint64(len(indices)))
		}
		for j := 0; j < featureCount; j++ {
			if featureOffset {
				offsets = append(offsets, uint64(len(indices)))
			}
			group := s.groups[j]
			cells := make([][]Token, 0, len(group.columns))
			hasNone := false
			total := 1
			for _, col := range group.columns {
				cell := batch.GetCell(i, col)
				if cell == nil {
					hasNone = true
					break
				}
				total *= len(cell)
				cells = append(cells, cell)
			}
			if !hasNone {
				indices = combineOneFeature(cells, group.nameHashes, indices, total)
			}
		}
	}
	return indices, offsets
}

// combineOneFeature appends the cartesian-product feature fingerprints of
// one combine group on one row to dst, using precomputed forward/backward
// strides so the inner loops write each result exactly once without
// branching on position.
func combineOneFeature(cells [][]Token, nameHashes []uint64, dst []uint64, total int) []uint64 {
	switch {
	case total == 1:
		h := fieldHash(nameHashes[0], cells[0][0].Hash)
		for i := 1; i < len(cells); i++ {
			h = concatField(h, nameHashes[i], cells[i][0].Hash)
		}
		return append(dst, h)

	case len(cells) == 1:
		cell := cells[0]
		for _, tok := range cell {
			dst = append(dst, fieldHash(nameHashes[0], tok.Hash))
		}
		return dst

	default:
		n := len(cells)
		fwd := make([]int, n) // fwd[i] = product of sizes of cells[0:i]
		bwd := make([]int, n) // bwd[i] = product of sizes of cells[i+1:n]
		fwd[0] = 1
		for i := 1; i < n; i++ {
			fwd[i] = fwd[i-1] * len(cells[i-1])
		}
		bwd[n-1] = 1
		for i := n - 2; i >= 0; i-- {
			bwd[i] = bwd[i+1] * len(cells[i+1])
		}

		result := make([]uint64, total)

		loops := fwd[0]
		eachRepeat := bwd[0]
		cell0 := cells[0]
		for l := 0; l < loops; l++ {
			base := l * len(cell0) * eachRepeat
			for _, tok := range cell0 {
				h := fieldHash(nameHashes[0], tok.Hash)
				for r := 0; r < eachRepeat; r++ {
					result[base+r] = h
				}
				base += eachRepeat
			}
		}

		for i := 1; i < n; i++ {
			cell := cells[i]
			loops := fwd[i]
			eachRepeat := bwd[i]
			for l := 0; l < loops; l++ {
				base := l * len(cell) * eachRepeat
				for _, tok := range cell {
					for r := 0; r < eachRepeat; r++ {
						result[base+r] = concatField(result[base+r], nameHashes[i], tok.Hash)
					}
					base += eachRepeat
				}
			}
		}

		dst = append(dst, result...)
		return dst
	}
}

package scantrans

// EstimateUnits returns the total work units a batch will request, without
// rendering any page content: one per image, one per PDF page. Documents
// that cannot be inspected count zero and are reported back per index so
// the caller can surface them individually.
func (e *Engine) EstimateUnits(docs []Document) (total int, perDoc []int) {
	perDoc = make([]int, len(docs))
	for i, doc := range docs {
		if doc.Kind == JobPDF {
			n, err := e.renderer.PageCount(doc.Path)
			if err != nil {
				continue
			}
			perDoc[i] = n
		} else {
			perDoc[i] = 1
		}
		total += perDoc[i]
	}
	return total, perDoc
}

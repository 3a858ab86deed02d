package paint

// frozenState tracks which layer indices are frozen. It lives on the network
// rather than on the Layer interface.
type frozenState struct {
	frozen map[int]bool
}

// LayerFreezeInfo contains information about a layer's freeze status
type LayerFreezeInfo struct {
	Index      int
	Name       string
	Frozen     bool
	Parameters int
}

// Freeze freezes the specified layer indices. Frozen layers still take part
// in forward and backward passes, but never accumulate parameter gradients,
// so an optimizer step leaves them unchanged.
func (n *Network) Freeze(indices ...int) error {
	if n.frozenState == nil {
		n.frozenState = &frozenState{frozen: make(map[int]bool)}
	}

	for _, idx := range indices {
		if idx < 0 || idx >= len(n.layers) {
			return errorf("layer index %d out of range [0, %d)", idx, len(n.layers))
		}
		n.frozenState.frozen[idx] = true
	}
	return nil
}

// FreezeAll freezes all layers in the network
func (n *Network) FreezeAll() error {
	indices := make([]int, len(n.layers))
	for i := range n.layers {
		indices[i] = i
	}
	return n.Freeze(indices...)
}

// IsFrozen returns whether a specific layer is frozen
func (n *Network) IsFrozen(index int) bool {
	if n.frozenState == nil {
		return false
	}
	return n.frozenState.frozen[index]
}

// LayerInfo returns information about all layers including their freeze status
func (n *Network) LayerInfo() []LayerFreezeInfo {
	result := make([]LayerFreezeInfo, len(n.layers))
	for i, layer := range n.layers {
		paramCount := 0
		for _, p := range layer.parameters() {
			paramCount += p.Len()
		}
		result[i] = LayerFreezeInfo{
			Index:      i,
			Name:       layer.name(),
			Frozen:     n.IsFrozen(i),
			Parameters: paramCount,
		}
	}
	return result
}

// TrainableParameters returns the total count of trainable (non-frozen) parameters
func (n *Network) TrainableParameters() int {
	total := 0
	for _, info := range n.LayerInfo() {
		if !info.Frozen {
			total += info.Parameters
		}
	}
	return total
}

package model

// LayerSummary describes one layer of the network.
type LayerSummary struct {
	Name   string
	Type   string
	Params int
	Depth  int
}

// Summary lists the layers of the network down to maxDepth.
func (n *Network) Summary(maxDepth int) []LayerSummary {
	weights := n.NClass * (n.FeatureCount() - 1)
	layers := []LayerSummary{
		{Name: "features", Type: "VoxelFeatures", Depth: 1},
		{Name: "features.intensity", Type: "Identity", Depth: 2},
		{Name: "features.gradient", Type: "ForwardDifference", Depth: 2},
		{Name: "classifier", Type: "Sequential", Params: n.NumParams(), Depth: 1},
		{Name: "classifier.linear", Type: "Linear", Params: weights + n.NClass, Depth: 2},
		{Name: "classifier.softmax", Type: "Softmax", Depth: 2},
	}
	result := layers[:0]
	for _, l := range layers {
		if maxDepth < 0 || l.Depth <= maxDepth {
			result = append(result, l)
		}
	}
	return result
}

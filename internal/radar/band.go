package radar

import "github.com/qiki/dtmp/internal/contracts"

// Classify assigns the range band: SR at or under the threshold, LR beyond.
func Classify(rangeM, srThresholdM float64) contracts.RangeBand {
	if rangeM <= srThresholdM {
		return contracts.BandSR
	}
	return contracts.BandLR
}

// ApplyBandPolicy reclassifies every detection by measured range and strips
// identity from anything that lands in LR. Frames from foreign producers are
// not trusted to have done either. Returns the number of stripped detections.
func ApplyBandPolicy(frame *contracts.RadarFrame, srThresholdM float64) int {
	for i := range frame.Detections {
		frame.Detections[i].Band = Classify(frame.Detections[i].RangeM, srThresholdM)
	}
	return contracts.StripIdentity(frame.Detections)
}

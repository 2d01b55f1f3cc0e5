package contracts

import "fmt"

// Pose is a full kinematic state: position, velocity, orientation, body rates.
type Pose struct {
	Position  Vec3     `json:"position"`
	Velocity  Vec3     `json:"velocity"`
	Euler     Attitude `json:"euler"`
	OmegaRadS Vec3     `json:"omega_rad_s"`
}

// Detection is a single radar return within a frame.
//
// Identity rules: TransponderID and IDPresent may be set only when Band is
// SR. StripIdentity enforces this for LR detections.
type Detection struct {
	BearingDeg   float64   `json:"bearing_deg"`
	ElevationDeg float64   `json:"elevation_deg"`
	RangeM       float64   `json:"range_m"`
	SNR          float64   `json:"snr"`
	Band         RangeBand `json:"band"`

	RangeRateMS *float64 `json:"range_rate_m_s,omitempty"`

	TransponderID string `json:"transponder_id,omitempty"`
	IDPresent     bool   `json:"id_present"`
}

// StripIdentity removes transponder identity from LR detections in place.
// Returns the number of detections that carried identity illegally.
func StripIdentity(dets []Detection) int {
	stripped := 0
	for i := range dets {
		if dets[i].Band != BandLR {
			continue
		}
		if dets[i].TransponderID != "" || dets[i].IDPresent {
			stripped++
		}
		dets[i].TransponderID = ""
		dets[i].IDPresent = false
	}
	return stripped
}

// RadarFrame is one radar sweep: ego pose plus zero or more detections.
// Band is set on band-filtered sub-frames (the LR routing copy) and empty on
// the union frame.
type RadarFrame struct {
	Source     string      `json:"source"`
	TsEpoch    float64     `json:"ts_epoch"`
	TsMonoNs   int64       `json:"ts_mono_ns"`
	EgoPose    Pose        `json:"ego_pose"`
	Detections []Detection `json:"detections"`
	Band       RangeBand   `json:"band,omitempty"`
}

// FilterBand returns a copy of the frame containing only detections of band b,
// with the frame Band marker set.
func (f *RadarFrame) FilterBand(b RangeBand) RadarFrame {
	out := RadarFrame{
		Source:   f.Source,
		TsEpoch:  f.TsEpoch,
		TsMonoNs: f.TsMonoNs,
		EgoPose:  f.EgoPose,
		Band:     b,
	}
	for _, d := range f.Detections {
		if d.Band == b {
			out.Detections = append(out.Detections, d)
		}
	}
	return out
}

// RadarTrack is a confirmed or tentative track maintained by the track store.
type RadarTrack struct {
	ID        string      `json:"id"`
	TsEpoch   float64     `json:"ts_epoch"`
	Pose      Pose        `json:"pose"`
	RangeBand RangeBand   `json:"range_band"`
	Quality   float64     `json:"quality"`
	Status    TrackStatus `json:"status"`

	TransponderMode XpdrMode `json:"transponder_mode,omitempty"`
	TransponderID   string   `json:"transponder_id,omitempty"`
	IDPresent       bool     `json:"id_present"`
}

// Validate checks the LR identity invariant and the quality range.
func (t *RadarTrack) Validate() error {
	if t.RangeBand == BandLR && (t.IDPresent || t.TransponderID != "") {
		return fmt.Errorf("track %s: LR band must not carry identity", t.ID)
	}
	if t.Quality < 0 || t.Quality > 1 {
		return fmt.Errorf("track %s: quality %.3f out of [0,1]", t.ID, t.Quality)
	}
	return nil
}

// TrackSet is the published active-track snapshot for one radar frame.
type TrackSet struct {
	Source   string       `json:"source"`
	TsEpoch  float64      `json:"ts_epoch"`
	TsMonoNs int64        `json:"ts_mono_ns"`
	Tracks   []RadarTrack `json:"tracks"`
	Band     RangeBand    `json:"band,omitempty"`
}

// GuardAlert is emitted when a guard rule fires against the track set.
type GuardAlert struct {
	Category      string   `json:"category"`
	Kind          string   `json:"kind"`
	RuleID        string   `json:"rule_id"`
	Severity      Severity `json:"severity"`
	TargetTrackID string   `json:"target_track_id"`
	TsEpoch       float64  `json:"ts"`
}

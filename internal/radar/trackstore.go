package radar

import (
	"math"

	"github.com/google/uuid"

	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

// TrackView is a track as seen by the pipeline internals: the publishable
// track plus the polar state the guard rules need.
type TrackView struct {
	contracts.RadarTrack
	RangeM      float64
	RangeRateMS float64
}

type trackState struct {
	id     string
	filter *alphaBeta
	status contracts.TrackStatus

	hitStreak  int
	missStreak int
	window     []bool

	xpdrID    string
	idPresent bool
}

// TrackStore maintains the track picture frame by frame: gated association,
// M-of-N confirmation, K-miss retirement, and a sliding quality window.
// Single-threaded; owned by the pipeline service.
type TrackStore struct {
	cfg     config.RadarConfig
	tracks  []*trackState
	metrics *Metrics
}

func NewTrackStore(cfg config.RadarConfig, metrics *Metrics) *TrackStore {
	return &TrackStore{cfg: cfg, metrics: metrics}
}

// Len returns the number of live tracks.
func (ts *TrackStore) Len() int { return len(ts.tracks) }

// Ingest folds one frame into the store and returns the resulting views,
// LOST tracks included. A track reported LOST is removed before the next
// frame; its id never comes back.
func (ts *TrackStore) Ingest(frame contracts.RadarFrame, dt float64) []TrackView {
	claimed := make([]bool, len(ts.tracks))
	matched := make(map[int]int, len(frame.Detections)) // det index -> track index

	for di, det := range frame.Detections {
		best, bestDist := -1, math.MaxFloat64
		for ti, tr := range ts.tracks {
			if claimed[ti] {
				continue
			}
			rPred, bPred := tr.filter.predict(dt)
			dr := math.Abs(det.RangeM - rPred)
			db := math.Abs(angleDiff(det.BearingDeg, bPred))
			if dr > ts.cfg.GateRangeM || db > ts.cfg.GateBearingDeg {
				continue
			}
			if dr < bestDist {
				best, bestDist = ti, dr
			}
		}
		if best >= 0 {
			claimed[best] = true
			matched[di] = best
		}
	}

	// Updates and misses.
	hitByTrack := make(map[int]contracts.Detection, len(matched))
	for di, ti := range matched {
		hitByTrack[ti] = frame.Detections[di]
	}
	for ti, tr := range ts.tracks {
		det, hit := hitByTrack[ti]
		if hit {
			tr.filter.update(dt, det)
			tr.hitStreak++
			tr.missStreak = 0
			tr.observe(true, ts.cfg.QualityWindow)
			if det.Band == contracts.BandSR && det.IDPresent {
				tr.xpdrID = det.TransponderID
				tr.idPresent = true
			} else {
				tr.xpdrID = ""
				tr.idPresent = false
			}
			if tr.status == contracts.TrackNew && tr.hitStreak >= ts.cfg.ConfirmHits {
				tr.status = contracts.TrackTracked
				ts.metrics.RecordConfirmed()
			}
			continue
		}
		tr.filter.coast(dt)
		tr.hitStreak = 0
		tr.missStreak++
		tr.observe(false, ts.cfg.QualityWindow)
		if tr.missStreak >= ts.cfg.RetireMisses {
			tr.status = contracts.TrackLost
		}
	}

	// Spawn a NEW track per unmatched detection.
	for di, det := range frame.Detections {
		if _, ok := matched[di]; ok {
			continue
		}
		tr := &trackState{
			id:     uuid.New().String(),
			filter: newAlphaBeta(ts.cfg.Alpha, ts.cfg.Beta),
			status: contracts.TrackNew,
		}
		tr.filter.update(dt, det)
		tr.hitStreak = 1
		tr.observe(true, ts.cfg.QualityWindow)
		if det.Band == contracts.BandSR && det.IDPresent {
			tr.xpdrID = det.TransponderID
			tr.idPresent = true
		}
		ts.tracks = append(ts.tracks, tr)
		ts.metrics.RecordSpawned()
	}

	views := make([]TrackView, 0, len(ts.tracks))
	for _, tr := range ts.tracks {
		views = append(views, tr.view(frame, ts.cfg.SrThresholdM))
	}

	// Drop retired tracks after they appeared as LOST once.
	live := ts.tracks[:0]
	for _, tr := range ts.tracks {
		if tr.status == contracts.TrackLost {
			ts.metrics.RecordRetired()
			continue
		}
		live = append(live, tr)
	}
	ts.tracks = live
	ts.metrics.RecordActive(len(ts.tracks))

	return views
}

func (t *trackState) observe(hit bool, window int) {
	if window <= 0 {
		window = 1
	}
	t.window = append(t.window, hit)
	if len(t.window) > window {
		t.window = t.window[len(t.window)-window:]
	}
}

func (t *trackState) quality() float64 {
	if len(t.window) == 0 {
		return 0
	}
	hits := 0
	for _, h := range t.window {
		if h {
			hits++
		}
	}
	return float64(hits) / float64(len(t.window))
}

// view renders the publishable track. Band follows filtered range, so the LR
// identity rule is re-applied when a contact drifts out past the threshold.
func (t *trackState) view(frame contracts.RadarFrame, srThresholdM float64) TrackView {
	band := Classify(t.filter.rangeM, srThresholdM)
	v := TrackView{
		RadarTrack: contracts.RadarTrack{
			ID:        t.id,
			TsEpoch:   frame.TsEpoch,
			Pose:      t.worldPose(frame.EgoPose),
			RangeBand: band,
			Quality:   t.quality(),
			Status:    t.status,
		},
		RangeM:      t.filter.rangeM,
		RangeRateMS: t.filter.rangeRate,
	}
	if band == contracts.BandSR {
		if t.idPresent {
			v.TransponderID = t.xpdrID
			v.IDPresent = true
			v.TransponderMode = contracts.XpdrOn
		} else {
			v.TransponderMode = contracts.XpdrOff
		}
	}
	return v
}

// worldPose converts the polar state back to world coordinates around ego.
func (t *trackState) worldPose(ego contracts.Pose) contracts.Pose {
	bRad := t.filter.bearingDeg * math.Pi / 180
	eRad := t.filter.elevDeg * math.Pi / 180
	horiz := t.filter.rangeM * math.Cos(eRad)

	ux, uy, uz := math.Cos(bRad)*math.Cos(eRad), math.Sin(bRad)*math.Cos(eRad), math.Sin(eRad)
	pos := contracts.Vec3{
		X: ego.Position.X + horiz*math.Cos(bRad),
		Y: ego.Position.Y + horiz*math.Sin(bRad),
		Z: ego.Position.Z + t.filter.rangeM*math.Sin(eRad),
	}

	// Radial component plus the tangential component from bearing rate.
	omega := t.filter.bearingRt * math.Pi / 180
	vel := contracts.Vec3{
		X: ego.Velocity.X + t.filter.rangeRate*ux - horiz*omega*math.Sin(bRad),
		Y: ego.Velocity.Y + t.filter.rangeRate*uy + horiz*omega*math.Cos(bRad),
		Z: ego.Velocity.Z + t.filter.rangeRate*uz,
	}
	return contracts.Pose{Position: pos, Velocity: vel}
}

// BuildTrackSet assembles the published snapshot from the views.
func BuildTrackSet(source string, tsEpoch float64, tsMonoNs int64, views []TrackView) contracts.TrackSet {
	set := contracts.TrackSet{Source: source, TsEpoch: tsEpoch, TsMonoNs: tsMonoNs}
	for _, v := range views {
		set.Tracks = append(set.Tracks, v.RadarTrack)
	}
	return set
}

// FilterTrackBand returns a copy of the set holding only tracks of band b.
func FilterTrackBand(set contracts.TrackSet, b contracts.RangeBand) contracts.TrackSet {
	out := contracts.TrackSet{Source: set.Source, TsEpoch: set.TsEpoch, TsMonoNs: set.TsMonoNs, Band: b}
	for _, tr := range set.Tracks {
		if tr.RangeBand == b {
			out.Tracks = append(out.Tracks, tr)
		}
	}
	return out
}

package bios

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

// pollFloor bounds how often the profile file is re-read for fault edits.
const pollFloor = 200 * time.Millisecond

// Service publishes the BIOS status event on the persistent event stream:
// once at boot, then every interval, and immediately whenever the status
// content changes (a profile edit, a device grade flip).
type Service struct {
	log     *slog.Logger
	bus     bus.Bus
	cfg     config.BiosConfig
	metrics *Metrics

	started time.Time

	mu      sync.Mutex
	profile *Profile
	hash    string
	lastFp  [32]byte
	haveFp  bool
	lastPub time.Time
}

func NewService(log *slog.Logger, b bus.Bus, cfg config.BiosConfig, profile *Profile, metrics *Metrics) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	hash, err := profile.Hash()
	if err != nil {
		return nil, err
	}
	return &Service{
		log:     log,
		bus:     b,
		cfg:     cfg,
		metrics: metrics,
		started: time.Now(),
		profile: profile,
		hash:    hash,
	}, nil
}

// Status runs POST against the current profile and assembles the event.
func (s *Service) Status() contracts.BiosStatus {
	s.mu.Lock()
	profile, hash := s.profile, s.hash
	s.mu.Unlock()

	report := RunPost(profile)
	return contracts.BiosStatus{
		EventSchemaVersion:  1,
		Source:              s.cfg.Source,
		Subject:             profile.CraftID,
		Timestamp:           contracts.EpochNow(),
		FirmwareVersion:     s.cfg.FirmwareVersion,
		PostResults:         report.Results,
		AllSystemsGo:        report.AllSystemsGo,
		HardwareProfileHash: hash,
		UptimeS:             time.Since(s.started).Seconds(),
	}
}

// Run drives the publish cycle until ctx is cancelled. The profile file is
// polled well below the publish interval so a fault edit surfaces as an
// immediate status event rather than waiting out the period.
func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.IntervalS * float64(time.Second))
	if interval <= 0 {
		interval = 10 * time.Second
	}
	poll := interval / 5
	if poll < pollFloor {
		poll = pollFloor
	}

	s.log.Info("[BiosService] starting", "interval", interval, "profile", s.cfg.ProfilePath)
	s.publishStatus(ctx, interval, true)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("[BiosService] stopping")
			return ctx.Err()
		case <-ticker.C:
			s.reload()
			s.publishStatus(ctx, interval, false)
		}
	}
}

// reload picks up profile edits without a restart. A bad file keeps the last
// good profile in service.
func (s *Service) reload() {
	if s.cfg.ProfilePath == "" {
		return
	}
	p, err := LoadProfile(s.cfg.ProfilePath)
	if err != nil {
		s.metrics.RecordReloadError()
		s.log.Warn("[BiosService] profile reload failed", "path", s.cfg.ProfilePath, "error", err)
		return
	}
	hash, err := p.Hash()
	if err != nil {
		s.metrics.RecordReloadError()
		s.log.Warn("[BiosService] profile hash failed", "error", err)
		return
	}
	s.mu.Lock()
	changed := hash != s.hash
	s.profile, s.hash = p, hash
	s.mu.Unlock()
	if changed {
		s.log.Info("[BiosService] hardware profile changed", "hash", hash)
	}
}

// publishStatus appends the status event when it is due or its content
// changed. Timestamp and uptime are excluded from the change fingerprint.
func (s *Service) publishStatus(ctx context.Context, interval time.Duration, force bool) {
	st := s.Status()

	fp, err := contracts.Fingerprint(map[string]any{
		"firmware_version":      st.FirmwareVersion,
		"post_results":          st.PostResults,
		"all_systems_go":        st.AllSystemsGo,
		"hardware_profile_hash": st.HardwareProfileHash,
	})
	if err != nil {
		s.log.Error("[BiosService] status fingerprint failed", "error", err)
		return
	}

	s.mu.Lock()
	changed := !s.haveFp || fp != s.lastFp
	due := time.Since(s.lastPub) >= interval
	s.mu.Unlock()
	if !force && !changed && !due {
		return
	}

	data, err := json.Marshal(st)
	if err != nil {
		s.log.Error("[BiosService] status marshal failed", "error", err)
		return
	}
	err = s.bus.PublishMsg(ctx, contracts.SubjectBiosStatus, data,
		contracts.ContentMsgID(contracts.SubjectBiosStatus, data))
	if err != nil && err != bus.ErrDuplicate {
		s.log.Warn("[BiosService] status publish failed", "error", err)
		return
	}

	s.mu.Lock()
	s.lastFp, s.haveFp = fp, true
	s.lastPub = time.Now()
	s.mu.Unlock()

	report := PostReport{Results: st.PostResults, AllSystemsGo: st.AllSystemsGo}
	s.metrics.RecordStatus(report)
	if changed {
		s.log.Info("[BiosService] status published",
			"all_systems_go", st.AllSystemsGo, "devices", len(st.PostResults))
	}
}

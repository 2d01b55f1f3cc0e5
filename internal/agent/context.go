// Package agent runs the decision loop: a fixed-period orchestrator that
// assembles a typed context from the latest platform inputs, drives the FSM
// through its transition table as the store's only writer, and emits
// proposals for operator consideration. Proposals never actuate anything.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/contracts"
)

// Inputs is everything the provider can gather for one tick. Fields are nil
// until the first message of their kind has been seen; phases must treat
// absence as absence, never as zero.
type Inputs struct {
	Bios      *contracts.BiosStatus
	Telemetry *contracts.TelemetrySnapshot
	Tracks    *contracts.TrackSet
	Alerts    []contracts.GuardAlert
}

// AgentContext carries exactly the inputs of one tick's phases. FSMState is
// read from the SSOT store by the orchestrator; the provider never supplies
// or defaults it.
type AgentContext struct {
	TickNumber int64
	TsEpoch    float64

	FSMState   contracts.FSMState
	FSMVersion int64

	Inputs
}

// Provider gathers fresh inputs for a tick.
type Provider interface {
	Collect(ctx context.Context) (Inputs, error)
}

// alertFreshnessS bounds how old a guard alert may be and still count as a
// current input to the rules.
const alertFreshnessS = 30.0

// BusProvider assembles Inputs from the backplane: telemetry from the live
// plane, everything persisted via get-last on its stream subject.
type BusProvider struct {
	log *slog.Logger
	bus bus.Bus

	mu        sync.Mutex
	telemetry *contracts.TelemetrySnapshot

	unsub func()
}

func NewBusProvider(log *slog.Logger, b bus.Bus) *BusProvider {
	if log == nil {
		log = slog.Default()
	}
	return &BusProvider{log: log, bus: b}
}

// Start subscribes to the live telemetry feed. Call Stop when done.
func (p *BusProvider) Start() error {
	unsub, err := p.bus.Subscribe(contracts.SubjectTelemetry, func(m *bus.Msg) {
		var snap contracts.TelemetrySnapshot
		if err := json.Unmarshal(m.Data, &snap); err != nil {
			p.log.Warn("[AgentProvider] dropping undecodable telemetry", "error", err)
			return
		}
		p.mu.Lock()
		p.telemetry = &snap
		p.mu.Unlock()
	})
	if err != nil {
		return err
	}
	p.unsub = unsub
	return nil
}

func (p *BusProvider) Stop() {
	if p.unsub != nil {
		p.unsub()
	}
}

// Collect returns the latest known inputs. Missing kinds stay nil; only a
// backplane failure is an error.
func (p *BusProvider) Collect(ctx context.Context) (Inputs, error) {
	var in Inputs

	p.mu.Lock()
	in.Telemetry = p.telemetry
	p.mu.Unlock()

	bios, err := lastJSON[contracts.BiosStatus](ctx, p.bus, contracts.StreamEvents, contracts.SubjectBiosStatus)
	if err != nil {
		return Inputs{}, err
	}
	in.Bios = bios

	tracks, err := lastJSON[contracts.TrackSet](ctx, p.bus, contracts.StreamRadar, contracts.SubjectRadarTracks)
	if err != nil {
		return Inputs{}, err
	}
	in.Tracks = tracks

	alert, err := lastJSON[contracts.GuardAlert](ctx, p.bus, contracts.StreamRadar, contracts.SubjectGuardAlerts)
	if err != nil {
		return Inputs{}, err
	}
	if alert != nil && contracts.EpochNow()-alert.TsEpoch <= alertFreshnessS {
		in.Alerts = []contracts.GuardAlert{*alert}
	}
	return in, nil
}

// lastJSON fetches and decodes the newest message on subject, nil when the
// stream holds none yet.
func lastJSON[T any](ctx context.Context, b bus.Bus, stream, subject string) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, bus.DefaultLastMsgTimeout)
	defer cancel()

	msg, err := b.LastMsg(ctx, stream, subject)
	if errors.Is(err, bus.ErrNoMsg) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

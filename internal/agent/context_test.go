package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/contracts"
)

func publishLast[T any](t *testing.T, b bus.Bus, subject string, v T) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	err = b.PublishMsg(context.Background(), subject, data, contracts.ContentMsgID(subject, data))
	require.NoError(t, err)
}

func TestBusProviderCollectsNothingBeforeFirstMessages(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	require.NoError(t, bus.EnsureCanonicalStreams(context.Background(), b))

	provider := NewBusProvider(quietLog(), b)
	in, err := provider.Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, in.Bios)
	assert.Nil(t, in.Telemetry)
	assert.Nil(t, in.Tracks)
	assert.Empty(t, in.Alerts)
}

func TestBusProviderCollectsLatestInputs(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	require.NoError(t, bus.EnsureCanonicalStreams(context.Background(), b))

	provider := NewBusProvider(quietLog(), b)
	require.NoError(t, provider.Start())
	defer provider.Stop()

	first := biosOK()
	first.FirmwareVersion = "1.4.1"
	publishLast(t, b, contracts.SubjectBiosStatus, first)
	second := biosOK()
	second.FirmwareVersion = "1.4.2"
	publishLast(t, b, contracts.SubjectBiosStatus, second)

	publishLast(t, b, contracts.SubjectRadarTracks, contracts.TrackSet{
		Source:  "q-radar",
		TsEpoch: contracts.EpochNow(),
		Tracks:  []contracts.RadarTrack{{ID: "trk-1", Quality: 0.8, Status: contracts.TrackTracked}},
	})

	telemetry, err := json.Marshal(contracts.TelemetrySnapshot{
		SchemaVersion: 1,
		BatteryPct:    contracts.Float(72),
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), contracts.SubjectTelemetry, telemetry))

	require.Eventually(t, func() bool {
		in, err := provider.Collect(context.Background())
		return err == nil && in.Telemetry != nil
	}, 2*time.Second, 10*time.Millisecond)

	in, err := provider.Collect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, in.Bios)
	assert.Equal(t, "1.4.2", in.Bios.FirmwareVersion)
	require.NotNil(t, in.Tracks)
	require.Len(t, in.Tracks.Tracks, 1)
	assert.Equal(t, "trk-1", in.Tracks.Tracks[0].ID)
	assert.Equal(t, 72.0, *in.Telemetry.BatteryPct)
}

func TestBusProviderIgnoresStaleAlerts(t *testing.T) {
	b := bus.NewMemory(nil)
	defer b.Close()
	require.NoError(t, bus.EnsureCanonicalStreams(context.Background(), b))
	provider := NewBusProvider(quietLog(), b)

	publishLast(t, b, contracts.SubjectGuardAlerts, contracts.GuardAlert{
		RuleID:        contracts.RuleUnknownContactClose,
		TargetTrackID: "trk-9",
		TsEpoch:       contracts.EpochNow() - 2*alertFreshnessS,
	})
	in, err := provider.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, in.Alerts)

	publishLast(t, b, contracts.SubjectGuardAlerts, contracts.GuardAlert{
		RuleID:        contracts.RuleUnknownContactClose,
		TargetTrackID: "trk-9",
		TsEpoch:       contracts.EpochNow(),
	})
	in, err = provider.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, in.Alerts, 1)
	assert.Equal(t, "trk-9", in.Alerts[0].TargetTrackID)
}

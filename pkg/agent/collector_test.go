package agent

import (
	"testing"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUBusyRatio(t *testing.T) {
	tests := []struct {
		name string
		prev cpu.TimesStat
		cur  cpu.TimesStat
		want float64
		ok   bool
	}{
		{
			name: "half busy",
			prev: cpu.TimesStat{User: 100, System: 50, Idle: 850},
			cur:  cpu.TimesStat{User: 130, System: 70, Idle: 900},
			// busy = 1 - 50/(30+20+50)
			want: 0.5,
			ok:   true,
		},
		{
			name: "fully idle",
			prev: cpu.TimesStat{User: 100, System: 50, Idle: 850},
			cur:  cpu.TimesStat{User: 100, System: 50, Idle: 950},
			want: 0.0,
			ok:   true,
		},
		{
			name: "fully busy",
			prev: cpu.TimesStat{User: 100, System: 50, Idle: 850},
			cur:  cpu.TimesStat{User: 180, System: 70, Idle: 850},
			want: 1.0,
			ok:   true,
		},
		{
			name: "no time elapsed",
			prev: cpu.TimesStat{User: 100, System: 50, Idle: 850},
			cur:  cpu.TimesStat{User: 100, System: 50, Idle: 850},
			ok:   false,
		},
		{
			name: "nice time is excluded",
			prev: cpu.TimesStat{User: 100, System: 50, Idle: 850, Nice: 10},
			cur:  cpu.TimesStat{User: 130, System: 70, Idle: 900, Nice: 500},
			want: 0.5,
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := cpuBusyRatio(tt.prev, tt.cur)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestCPUMovingAverageWindow(t *testing.T) {
	s := NewSampler(SamplerConfig{MasterAddr: "127.0.0.1:6666"})

	for i := 0; i < 10; i++ {
		s.cpuSamples = append(s.cpuSamples, float64(i))
		if len(s.cpuSamples) > cpuWindow {
			s.cpuSamples = s.cpuSamples[1:]
		}
	}
	assert.Len(t, s.cpuSamples, cpuWindow)
	assert.Equal(t, []float64{5, 6, 7, 8, 9}, s.cpuSamples)
}

func TestStatusEchoesAdvisoryFields(t *testing.T) {
	s := NewSampler(SamplerConfig{
		MasterAddr:     "127.0.0.1:6666",
		DisconnectTime: 30,
		ReconnectTime:  20,
		TimeWindow:     5,
	})

	status := s.Status()
	assert.Equal(t, 30.0, status.DisconnectTime)
	assert.Equal(t, 20.0, status.ReconnectTime)
	assert.Equal(t, 5.0, status.TimeWindow)
	assert.Equal(t, fixedBandwidthMbps, status.NetBandwidth)
}

func TestStatusFluctuatingBandwidthStaysInRange(t *testing.T) {
	s := NewSampler(SamplerConfig{
		MasterAddr:         "127.0.0.1:6666",
		BandwidthFluctuate: true,
	})

	for i := 0; i < 100; i++ {
		bw := s.Status().NetBandwidth
		assert.GreaterOrEqual(t, bw, 50.0)
		assert.LessOrEqual(t, bw, 500.0)
	}
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.5))
	assert.Equal(t, 0.3, clamp01(0.3))
	assert.Equal(t, 1.0, clamp01(1.7))
}

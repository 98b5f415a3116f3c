package tcp

import (
	"testing"
	"time"
)

func TestRTTMFirstSampleSetsSRTTDirectly(t *testing.T) {
	m := NewRTTM()
	m.Sample(100 * time.Millisecond)
	if m.SRTT != 100*time.Millisecond {
		t.Errorf("SRTT after first sample = %v, want 100ms", m.SRTT)
	}
	if m.RTTVAR != 50*time.Millisecond {
		t.Errorf("RTTVAR after first sample = %v, want 50ms", m.RTTVAR)
	}
}

func TestRTTMBackOffDoublesAndCaps(t *testing.T) {
	m := NewRTTM()
	m.RTO = 40 * time.Second
	m.BackOff()
	if m.RTO != MaxRTO {
		t.Errorf("RTO should cap at MaxRTO, got %v", m.RTO)
	}
}

func TestRTTMRTONeverBelowMin(t *testing.T) {
	m := NewRTTM()
	m.Sample(time.Microsecond)
	if m.RTO < MinRTO {
		t.Errorf("RTO = %v below MinRTO", m.RTO)
	}
}

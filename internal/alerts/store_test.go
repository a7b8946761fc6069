package alerts

import (
	"testing"
	"time"

	"txwatch/internal/model"
)

func dispatched(cycle uint64, at time.Time) model.DispatchedAlert {
	return model.DispatchedAlert{
		AlertMessage: model.AlertMessage{Kind: model.KindSpike, CreatedAt: at},
		Cycle:        cycle,
		Delivered:    true,
	}
}

func TestStoreRingBuffer(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		s.Add(dispatched(uint64(i), base.Add(time.Duration(i)*time.Minute)))
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d", s.Len())
	}
	all := s.List(0)
	if all[0].Cycle != 3 || all[2].Cycle != 5 {
		t.Fatalf("list = %+v", all)
	}
	last := s.List(2)
	if len(last) != 2 || last[0].Cycle != 4 {
		t.Fatalf("list(2) = %+v", last)
	}
}

func TestStoreSince(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.Add(dispatched(1, base))
	s.Add(dispatched(2, base.Add(time.Hour)))
	got := s.Since(base.Add(time.Minute))
	if len(got) != 1 || got[0].Cycle != 2 {
		t.Fatalf("since = %+v", got)
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("clear left %d alerts", s.Len())
	}
}

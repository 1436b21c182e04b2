package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mailroom/dispatcher/internal/domain"
	"github.com/mailroom/dispatcher/internal/logger"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	want := DefaultConfig()
	if cfg != want {
		t.Errorf("applyDefaults() = %+v, want %+v", cfg, want)
	}
}

func TestConfig_ApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		SupplementInterval: time.Minute,
		BlockThreshold:     10,
	}
	cfg.applyDefaults()

	if cfg.SupplementInterval != time.Minute {
		t.Errorf("SupplementInterval = %v, want %v", cfg.SupplementInterval, time.Minute)
	}
	if cfg.BlockThreshold != 10 {
		t.Errorf("BlockThreshold = %d, want 10", cfg.BlockThreshold)
	}
	if cfg.ProcessInterval != defaultProcessInterval {
		t.Errorf("ProcessInterval = %v, want default %v", cfg.ProcessInterval, defaultProcessInterval)
	}
}

func TestRotation_AdvancesPerKey(t *testing.T) {
	rot := newRotation()
	serviceA := uuid.New()
	serviceB := uuid.New()

	got := []int{
		rot.nextUserOffset(serviceA, 3),
		rot.nextUserOffset(serviceA, 3),
		rot.nextUserOffset(serviceA, 3),
		rot.nextUserOffset(serviceA, 3),
	}
	want := []int{0, 1, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("offset[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	// Keys rotate independently.
	if off := rot.nextUserOffset(serviceB, 3); off != 0 {
		t.Errorf("fresh key offset = %d, want 0", off)
	}
}

func TestRotation_ShrinkingSetStaysInRange(t *testing.T) {
	rot := newRotation()
	userID := uuid.New()

	rot.nextTaskOffset(userID, 5)
	rot.nextTaskOffset(userID, 5)
	rot.nextTaskOffset(userID, 5)

	if off := rot.nextTaskOffset(userID, 2); off < 0 || off >= 2 {
		t.Errorf("offset %d out of range for n=2", off)
	}
}

func TestInterleave_AlternatesAcrossUsers(t *testing.T) {
	userA := uuid.New()
	userB := uuid.New()
	remaining := map[uuid.UUID]int{userA: 10, userB: 10}

	var order []uuid.UUID
	added := interleave([]uuid.UUID{userA, userB}, 0, 6,
		func(id uuid.UUID) (domain.QueueEntry, bool) {
			if remaining[id] == 0 {
				return domain.QueueEntry{}, false
			}
			remaining[id]--
			return domain.QueueEntry{JobID: uuid.New(), UserID: id}, true
		},
		func(entry domain.QueueEntry) bool {
			order = append(order, entry.UserID)
			return true
		})

	if added != 6 {
		t.Fatalf("interleave added %d, want 6", added)
	}

	counts := map[uuid.UUID]int{}
	for _, id := range order {
		counts[id]++
	}
	if counts[userA] != 3 || counts[userB] != 3 {
		t.Errorf("split = %d/%d, want 3/3", counts[userA], counts[userB])
	}
	if order[0] != userA || order[1] != userB {
		t.Errorf("first pass order = %v, want alternation starting at offset 0", order[:2])
	}
}

func TestInterleave_ExhaustedUserYieldsToOthers(t *testing.T) {
	userA := uuid.New()
	userB := uuid.New()
	remaining := map[uuid.UUID]int{userA: 1, userB: 10}

	var order []uuid.UUID
	added := interleave([]uuid.UUID{userA, userB}, 0, 5,
		func(id uuid.UUID) (domain.QueueEntry, bool) {
			if remaining[id] == 0 {
				return domain.QueueEntry{}, false
			}
			remaining[id]--
			return domain.QueueEntry{JobID: uuid.New(), UserID: id}, true
		},
		func(entry domain.QueueEntry) bool {
			order = append(order, entry.UserID)
			return true
		})

	if added != 5 {
		t.Fatalf("interleave added %d, want 5", added)
	}
	counts := map[uuid.UUID]int{}
	for _, id := range order {
		counts[id]++
	}
	if counts[userA] != 1 || counts[userB] != 4 {
		t.Errorf("split = %d/%d, want 1/4", counts[userA], counts[userB])
	}
}

func TestInterleave_StopsWhenAllExhausted(t *testing.T) {
	userA := uuid.New()

	added := interleave([]uuid.UUID{userA}, 0, 10,
		func(uuid.UUID) (domain.QueueEntry, bool) {
			return domain.QueueEntry{}, false
		},
		func(domain.QueueEntry) bool {
			t.Fatal("push called for exhausted user")
			return false
		})

	if added != 0 {
		t.Errorf("interleave added %d, want 0", added)
	}
}

func TestInterleave_RespectsRejectedPush(t *testing.T) {
	userA := uuid.New()

	added := interleave([]uuid.UUID{userA}, 0, 10,
		func(id uuid.UUID) (domain.QueueEntry, bool) {
			return domain.QueueEntry{JobID: uuid.New(), UserID: id}, true
		},
		func(domain.QueueEntry) bool { return false })

	if added != 0 {
		t.Errorf("interleave added %d after push rejection, want 0", added)
	}
}

func TestBatchSize(t *testing.T) {
	testCases := []struct {
		name string
		svc  domain.SendingService
		want int
	}{
		{
			name: "healthy fast service gets the full batch",
			svc:  domain.SendingService{SuccessRate: 99, AvgResponseMs: 150},
			want: maxBatchSize,
		},
		{
			name: "mediocre service gets a half batch",
			svc:  domain.SendingService{SuccessRate: 70, AvgResponseMs: 150},
			want: maxBatchSize / 2,
		},
		{
			name: "failing service gets the minimum",
			svc:  domain.SendingService{SuccessRate: 40, AvgResponseMs: 150},
			want: minBatchSize,
		},
		{
			name: "slow service loses one attempt",
			svc:  domain.SendingService{SuccessRate: 99, AvgResponseMs: 3500},
			want: maxBatchSize - 1,
		},
		{
			name: "slow and failing stays at the minimum",
			svc:  domain.SendingService{SuccessRate: 10, AvgResponseMs: 3500},
			want: minBatchSize,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := batchSize(&tc.svc); got != tc.want {
				t.Errorf("batchSize() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSendingRateFallback(t *testing.T) {
	s := New(Config{DefaultSendingRate: 5 * time.Second}, Deps{Logger: logger.NewNopLogger()})

	own := domain.SendingService{SendingRateSeconds: 120}
	if got := s.sendingRate(&own); got != 2*time.Minute {
		t.Errorf("sendingRate() = %v, want 2m for a service with its own rate", got)
	}

	unset := domain.SendingService{}
	if got := s.sendingRate(&unset); got != 5*time.Second {
		t.Errorf("sendingRate() = %v, want the configured 5s fallback", got)
	}
}

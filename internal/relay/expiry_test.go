package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spysignal/relay/internal/models"
)

func TestLive(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ttl  *int
		at   time.Duration
		want bool
	}{
		{"no ttl, much later", nil, 365 * 24 * time.Hour, true},
		{"ttl 5s at +4s", intPtr(5), 4 * time.Second, true},
		{"ttl 5s at +6s", intPtr(5), 6 * time.Second, false},
		{"ttl 5s exactly at expiry", intPtr(5), 5 * time.Second, false},
		{"ttl 5s just before expiry", intPtr(5), 5*time.Second - time.Nanosecond, true},
		{"ttl 0 at creation", intPtr(0), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := models.Message{TTLSec: tt.ttl, CreatedAt: created}
			assert.Equal(t, tt.want, Live(m, created.Add(tt.at)))
		})
	}
}

func TestFilterLivePreservesOrder(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		{ID: 1, CreatedAt: base},
		{ID: 2, CreatedAt: base.Add(time.Second), TTLSec: intPtr(5)},
		{ID: 3, CreatedAt: base.Add(2 * time.Second), TTLSec: intPtr(60)},
		{ID: 4, CreatedAt: base.Add(3 * time.Second)},
	}

	got := FilterLive(msgs, base.Add(10*time.Second))

	var ids []int64
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{1, 3, 4}, ids)
	assert.Len(t, msgs, 4, "input must not be modified")
	assert.Equal(t, int64(2), msgs[1].ID)
}

func TestFilterLiveEmpty(t *testing.T) {
	got := FilterLive(nil, time.Now())
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

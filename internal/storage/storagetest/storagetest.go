// Package storagetest holds the behavioral tests every MessageStore must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
)

var base = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func message(id int64, ext, employee string, arrived time.Duration) domain.TrackedMessage {
	return domain.TrackedMessage{
		ID:         id,
		ExternalID: ext,
		ClientRef:  "client-" + ext,
		EmployeeID: employee,
		ArrivedAt:  base.Add(arrived),
		State:      domain.StateOpen,
		Version:    1,
	}
}

// Run exercises store against the MessageStore contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ports.MessageStore) {
	ctx := context.Background()

	t.Run("SaveAndGet", func(t *testing.T) {
		s := newStore(t)
		m := message(1, "ext-1", "e1", 0)
		if err := s.Save(ctx, m); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		got, err := s.Get(ctx, 1)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.ExternalID != "ext-1" || got.State != domain.StateOpen || !got.ArrivedAt.Equal(m.ArrivedAt) {
			t.Errorf("Get() = %+v", got)
		}
		if !got.RespondedAt.IsZero() {
			t.Errorf("RespondedAt = %v, want zero", got.RespondedAt)
		}

		byExt, err := s.GetByExternalID(ctx, "ext-1")
		if err != nil || byExt.ID != 1 {
			t.Errorf("GetByExternalID() = %v, %v", byExt.ID, err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, 99); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Get() error = %v, want not found", err)
		}
		if _, err := s.GetByExternalID(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetByExternalID() error = %v, want not found", err)
		}
	})

	t.Run("VersionedUpsert", func(t *testing.T) {
		s := newStore(t)
		v1 := message(1, "ext-1", "e1", 0)
		v2 := v1
		v2.Version = 2
		v2.State = domain.StateResponded
		v2.RespondedAt = base.Add(time.Minute)
		v2.RespondedBy = "e1"

		if err := s.Save(ctx, v2); err != nil {
			t.Fatalf("Save(v2) error = %v", err)
		}
		if err := s.Save(ctx, v1); err != nil {
			t.Fatalf("Save(v1) error = %v", err)
		}

		got, err := s.Get(ctx, 1)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Version != 2 || got.State != domain.StateResponded {
			t.Errorf("stale write regressed record: %+v", got)
		}
		if !got.RespondedAt.Equal(v2.RespondedAt) || got.RespondedBy != "e1" {
			t.Errorf("responded fields = %v %q", got.RespondedAt, got.RespondedBy)
		}
	})

	t.Run("ListFilters", func(t *testing.T) {
		s := newStore(t)
		msgs := []domain.TrackedMessage{
			message(1, "a", "e1", 0),
			message(2, "b", "e2", time.Minute),
			message(3, "c", "e1", 2*time.Minute),
			message(4, "d", "e1", time.Hour),
		}
		msgs[2].State = domain.StateMissed
		msgs[2].MissedAt = base.Add(10 * time.Minute)
		for _, m := range msgs {
			if err := s.Save(ctx, m); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
		}

		tests := []struct {
			name   string
			filter ports.MessageFilter
			want   []int64
		}{
			{"all", ports.MessageFilter{}, []int64{1, 2, 3, 4}},
			{"employee", ports.MessageFilter{EmployeeID: "e1"}, []int64{1, 3, 4}},
			{"window", ports.MessageFilter{ArrivedFrom: base.Add(time.Minute), ArrivedTo: base.Add(time.Hour)}, []int64{2, 3}},
			{"states", ports.MessageFilter{States: []domain.State{domain.StateOpen, domain.StateDeferred}}, []int64{1, 2, 4}},
			{"combined", ports.MessageFilter{EmployeeID: "e1", States: []domain.State{domain.StateMissed}}, []int64{3}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.List(ctx, tt.filter)
				if err != nil {
					t.Fatalf("List() error = %v", err)
				}
				if len(got) != len(tt.want) {
					t.Fatalf("List() returned %d messages, want %d", len(got), len(tt.want))
				}
				for i, id := range tt.want {
					if got[i].ID != id {
						t.Errorf("List()[%d].ID = %d, want %d", i, got[i].ID, id)
					}
				}
			})
		}
	})
}

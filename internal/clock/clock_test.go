package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func TestVirtual_AdvanceFiresInOrder(t *testing.T) {
	v := NewVirtual(epoch)

	var fired []string
	v.AfterFunc(30*time.Second, func() { fired = append(fired, "b") })
	v.AfterFunc(10*time.Second, func() { fired = append(fired, "a") })
	v.AfterFunc(90*time.Second, func() { fired = append(fired, "c") })

	v.Advance(60 * time.Second)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", fired)
	}
	if got := v.Now(); !got.Equal(epoch.Add(60 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, epoch.Add(60*time.Second))
	}
	if v.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", v.Pending())
	}
}

func TestVirtual_CallbackSeesDueTime(t *testing.T) {
	v := NewVirtual(epoch)

	var at time.Time
	v.AfterFunc(5*time.Second, func() { at = v.Now() })
	v.Advance(time.Minute)

	if !at.Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("callback Now() = %v, want %v", at, epoch.Add(5*time.Second))
	}
}

func TestVirtual_TimersArmedByCallbacks(t *testing.T) {
	v := NewVirtual(epoch)

	count := 0
	v.AfterFunc(10*time.Second, func() {
		count++
		v.AfterFunc(10*time.Second, func() { count++ })
	})

	v.Advance(25 * time.Second)
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestVirtual_Stop(t *testing.T) {
	v := NewVirtual(epoch)

	fired := false
	timer := v.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop() = false on pending timer")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}

	v.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}

	fired2 := false
	t2 := v.AfterFunc(time.Second, func() { fired2 = true })
	v.Advance(time.Second)
	if !fired2 {
		t.Fatal("timer did not fire")
	}
	if t2.Stop() {
		t.Error("Stop() after fire = true, want false")
	}
}

func TestVirtual_ZeroDelayFiresOnAdvanceZero(t *testing.T) {
	v := NewVirtual(epoch)

	fired := false
	v.AfterFunc(-time.Minute, func() { fired = true })
	v.Advance(0)

	if !fired {
		t.Error("overdue timer did not fire on Advance(0)")
	}
	if !v.Now().Equal(epoch) {
		t.Errorf("Now() moved to %v", v.Now())
	}
}

func TestVirtual_SetIgnoresPast(t *testing.T) {
	v := NewVirtual(epoch)
	v.Set(epoch.Add(-time.Hour))
	if !v.Now().Equal(epoch) {
		t.Errorf("Now() = %v, want %v", v.Now(), epoch)
	}
	v.Set(epoch.Add(time.Hour))
	if !v.Now().Equal(epoch.Add(time.Hour)) {
		t.Errorf("Now() = %v, want %v", v.Now(), epoch.Add(time.Hour))
	}
}

package health

import (
	"errors"
	"testing"
)

func TestRegistryStartDuplicate(t *testing.T) {
	r := NewRegistry(fastConfig())
	if _, err := r.Start("ses", "msg"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Remove("ses", "msg")

	if _, err := r.Start("ses", "msg"); !errors.Is(err, ErrActive) {
		t.Errorf("duplicate Start() error = %v, want ErrActive", err)
	}
	if _, err := r.Start("ses", "msg2"); err != nil {
		t.Errorf("Start() for other message error = %v", err)
	}
	r.Remove("ses", "msg2")
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(fastConfig())
	r.Start("ses", "msg")

	if _, ok := r.Remove("ses", "msg"); !ok {
		t.Fatal("Remove() = false")
	}
	if _, ok := r.Get("ses", "msg"); ok {
		t.Error("monitor still registered")
	}
	if _, ok := r.Remove("ses", "msg"); ok {
		t.Error("second Remove() = true")
	}
	if len(r.Active()) != 0 {
		t.Errorf("Active() = %v", r.Active())
	}
}

func TestRegistryAbort(t *testing.T) {
	r := NewRegistry(fastConfig())
	m1, _ := r.Start("ses", "a")
	m2, _ := r.Start("ses", "b")
	m3, _ := r.Start("other", "c")
	defer func() {
		for _, k := range r.Active() {
			r.Remove(k.SessionID, k.MessageID)
		}
	}()

	var got []error
	record := func(err error) { got = append(got, err) }
	m1.BindAbort(record)
	m2.BindAbort(record)
	m3.BindAbort(record)

	cause := errors.New("stop")
	if !r.Abort("ses", "a", cause) {
		t.Fatal("Abort() = false")
	}
	if r.Abort("ses", "missing", cause) {
		t.Error("Abort() on unknown key = true")
	}
	if n := r.AbortSession("ses", cause); n != 2 {
		t.Errorf("AbortSession() = %d, want 2", n)
	}
	if len(got) != 3 {
		t.Errorf("abort calls = %d, want 3", len(got))
	}

	keys := r.Active()
	if len(keys) != 3 || keys[0].SessionID != "other" {
		t.Errorf("Active() = %v", keys)
	}
}

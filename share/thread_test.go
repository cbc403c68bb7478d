package chshare

import (
	"errors"
	"testing"
)

func TestThreadJoinReturnsBodyError(t *testing.T) {
	wantErr := errors.New("boom")
	th := NewThread("t1", func() error { return wantErr })
	th.Start()
	if err := th.Join(); err != wantErr {
		t.Fatalf("Join() = %v, want %v", err, wantErr)
	}
}

func TestThreadRecoversPanic(t *testing.T) {
	th := NewThread("t2", func() error { panic("oh no") })
	th.Start()
	if err := th.Join(); err == nil {
		t.Fatal("expected Join to report the recovered panic as an error")
	}
}

func TestThreadName(t *testing.T) {
	th := NewThread("named", func() error { return nil })
	if th.Name() != "named" {
		t.Fatalf("Name() = %s, want named", th.Name())
	}
	th.Start()
	th.Join()
}

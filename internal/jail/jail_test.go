package jail

import (
	"syscall"
	"testing"
)

func TestChildAttr(t *testing.T) {
	attr := ChildAttr(1000, 1000)
	if attr.Credential == nil {
		t.Fatal("expected a credential")
	}
	if attr.Credential.Uid != 1000 || attr.Credential.Gid != 1000 {
		t.Fatalf("got uid=%d gid=%d, want 1000/1000", attr.Credential.Uid, attr.Credential.Gid)
	}
	if attr.Pdeathsig != syscall.SIGKILL {
		t.Fatalf("got pdeathsig %v, want SIGKILL", attr.Pdeathsig)
	}
}

package rawfwd

import (
	"context"
	"testing"
)

func TestProtoNumberRejectsUnknownProtocol(t *testing.T) {
	if _, err := protoNumber("icmp"); err == nil {
		t.Fatal("expected an error for an unsupported protocol")
	}
}

func TestCreateSkipsUnknownProtocolWithoutFailingTheWholeCall(t *testing.T) {
	// Per spec, failure of any individual protocol's forwarder (including an
	// unsupported protocol name) is logged and skipped; it must never fail
	// the address assignment as a whole, so Create still succeeds here, just
	// with zero forwarders.
	s, err := Create(context.Background(), "127.0.0.1", []string{"sctp"}, func([]byte) {})
	if err != nil {
		t.Fatalf("Create must not fail outright, got %v", err)
	}
	if len(s.forwarders) != 0 {
		t.Fatalf("expected no forwarders for an unsupported protocol, got %d", len(s.forwarders))
	}
}

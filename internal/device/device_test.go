package device

import (
	"context"
	"testing"
)

var _ Driver = (*TUNDriver)(nil)

func TestExcludeRouteLiteralIPSkipsResolution(t *testing.T) {
	d := &TUNDriver{name: "tun-test"}
	if err := d.ExcludeRoute(context.Background(), "10.0.0.1"); err != nil {
		t.Fatalf("ExcludeRoute with a literal IP should not attempt DNS: %v", err)
	}
}

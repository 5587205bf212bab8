package resolver

import "testing"

func TestSetGet(t *testing.T) {
	r := New()
	if _, _, ok := r.Get(); ok {
		t.Fatal("expected no address before Set")
	}

	r.Set("1.2.3.4", 9999)
	host, port, ok := r.Get()
	if !ok {
		t.Fatal("expected an address after Set")
	}
	if host != "1.2.3.4" || port != 9999 {
		t.Errorf("got %s:%d", host, port)
	}
}

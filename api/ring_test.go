package api_test

import (
	"testing"

	"github.com/momentics/tpcnet/api"
)

func TestUserDataRoundTrip(t *testing.T) {
	cases := []struct {
		op uint8
		fd int
	}{
		{api.OpRead, 0},
		{api.OpWritev, 17},
		{api.OpAccept, 1<<31 - 1},
		{api.OpEventfdRead, 4096},
	}
	for _, c := range cases {
		op, fd := api.UnpackUserData(api.PackUserData(c.op, c.fd))
		if op != c.op || fd != c.fd {
			t.Errorf("round trip (%d, %d) = (%d, %d)", c.op, c.fd, op, fd)
		}
	}
}

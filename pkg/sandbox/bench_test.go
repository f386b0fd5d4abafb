package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
)

func benchSandbox(b *testing.B) (*Sandbox, int) {
	b.Helper()
	h := newHarness(b)
	p := h.policy(b, "bench", func(p *policy.Policy) {
		require.NoError(b, p.AddPermission(permission.NetworkInternet, permission.Granted))
		require.NoError(b, p.AddPermission(permission.SecurityAuditRead, permission.AuditRequired))
	})
	return h.start(b, "bench", p, "app")
}

func BenchmarkCheckGranted(b *testing.B) {
	s, _ := benchSandbox(b)
	req := CheckRequest{Permission: permission.NetworkInternet}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if d, _ := s.Check(req); d != permission.Allow {
			b.Fatalf("unexpected decision %s", d)
		}
	}
}

func BenchmarkCheckAudited(b *testing.B) {
	s, _ := benchSandbox(b)
	req := CheckRequest{Permission: permission.SecurityAuditRead}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if d, _ := s.Check(req); d != permission.Allow {
			b.Fatalf("unexpected decision %s", d)
		}
	}
}

func BenchmarkCheckParallel(b *testing.B) {
	s, _ := benchSandbox(b)
	req := CheckRequest{Permission: permission.NetworkInternet}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s.Check(req)
		}
	})
}

func BenchmarkConnect(b *testing.B) {
	s, pid := benchSandbox(b)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Connect(pid, "93.184.216.34:443"); err != nil {
			b.Fatal(err)
		}
		s.Disconnect(pid)
	}
}

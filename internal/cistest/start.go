package cistest

import "net/http/httptest"

// TB is the part of testing.TB that Start needs.
type TB interface {
	Helper()
	Cleanup(func())
	Skipf(format string, args ...any)
}

// Start serves the fake on a local listener, skipping the test when the
// sandbox forbids listening.
func Start(t TB, s *Server) *httptest.Server {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("test server unavailable in sandbox: %v", r)
		}
	}()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}
